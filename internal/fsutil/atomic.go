// Package fsutil provides crash-safe file replacement and advisory locking.
package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WriteFileAtomic writes data to path so that a concurrent reader observes
// either the previous contents or the new contents, never a partial file.
// The data goes to a temp file in the same directory, is fsynced, renamed
// over path and the directory entry is synced.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "fsutil: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "fsutil: create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrap(err, "fsutil: write temp file")
	}
	return commit(tmp, path, perm)
}

// CopyFileAtomic replaces dst with the contents of src using the same
// temp-then-rename sequence as WriteFileAtomic. verify, when non-nil, is
// called with the synced temp file path before the rename; a verify error
// aborts the copy and leaves dst untouched.
func CopyFileAtomic(src, dst string, verify func(tmpPath string) error) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "fsutil: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "fsutil: create dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "fsutil: create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrapf(err, "fsutil: copy %s", src)
	}

	if verify != nil {
		if err := tmp.Sync(); err != nil {
			tmp.Close()        //nolint:errcheck
			os.Remove(tmpPath) //nolint:errcheck
			return eris.Wrap(err, "fsutil: sync temp file")
		}
		if err := verify(tmpPath); err != nil {
			tmp.Close()        //nolint:errcheck
			os.Remove(tmpPath) //nolint:errcheck
			return eris.Wrap(err, "fsutil: verify copy")
		}
	}

	return commit(tmp, dst, 0o644)
}

// commit syncs, closes and renames tmp over path.
func commit(tmp *os.File, path string, perm os.FileMode) error {
	tmpPath := tmp.Name()
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrap(err, "fsutil: chmod temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrap(err, "fsutil: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrap(err, "fsutil: close temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return eris.Wrapf(err, "fsutil: rename into %s", path)
	}

	// The data is already safe once renamed; a failed dir sync only risks
	// the rename itself on some filesystems.
	if err := syncDir(filepath.Dir(path)); err != nil {
		zap.L().Warn("fsutil: sync dir failed", zap.String("path", path), zap.Error(err))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck
	return d.Sync()
}
