package fsutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/resilience"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = eris.New("fsutil: file is locked by another process")

// LockPath returns the sidecar lock file that guards path. Every writer
// of path must hold it.
func LockPath(path string) string {
	return path + ".lock"
}

// FileLock is an exclusive advisory lock held on a lock file.
type FileLock struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive advisory lock on path, creating the file if
// needed. Contention is retried with backoff until timeout elapses, after
// which ErrLocked is returned.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*FileLock, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "fsutil: create lock dir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "fsutil: open lock file %s", path)
	}

	poll := resilience.LockPollConfig(func(err error) bool { return errors.Is(err, ErrLocked) })
	poll.OnRetry = func(attempt int, _ error) {
		if attempt == 1 {
			zap.L().Debug("fsutil: waiting for lock", zap.String("path", path))
		}
	}
	err = resilience.Do(ctx, poll, func(_ context.Context) error {
		return tryLock(f)
	})
	if err != nil {
		f.Close() //nolint:errcheck
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, eris.Wrapf(err, "fsutil: lock %s", path)
	}

	return &FileLock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release drops the lock and closes the lock file.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return eris.Wrapf(unlockErr, "fsutil: unlock %s", l.path)
	}
	return eris.Wrap(closeErr, "fsutil: close lock file")
}
