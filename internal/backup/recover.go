package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tagging-cli/internal/fsutil"
)

// RecoveryWarning is the user-visible notice shown after a restore.
const RecoveryWarning = "Auto-recovered from data corruption. Last good backup restored."

// countConcurrency bounds the parallel row counts during a scan.
const countConcurrency = 4

// RecoverOptions tunes the startup integrity check.
type RecoverOptions struct {
	// Threshold is the noise margin: the main file is only considered
	// regressed when it holds more than Threshold rows fewer than the best
	// backup.
	Threshold int
	// ScanLimit bounds the scan to the most recently modified backups.
	ScanLimit int
	// LockTimeout bounds the wait for the store's writer lock.
	LockTimeout time.Duration
}

// Recovery reports what the startup check found and did.
type Recovery struct {
	CurrentRows int
	BestRows    int
	BestPath    string
	Scanned     int
	Restored    bool
	// LogLine is the recovery log entry written when Restored is set.
	LogLine string
}

// Warning returns the user-visible notice, or "" when nothing was restored.
func (r *Recovery) Warning() string {
	if r == nil || !r.Restored {
		return ""
	}
	return RecoveryWarning
}

// Recover compares the main store with the best of the recent backups and
// restores the backup over main when main has regressed by more than the
// threshold. It runs once at startup. The count and the restore run under
// the store's writer lock, so a concurrent save is never overwritten;
// fsutil.ErrLocked is returned when the lock is not free within
// opts.LockTimeout. The caller loads the main file afterwards.
func (e *Engine) Recover(ctx context.Context, opts RecoverOptions) (*Recovery, error) {
	lock, err := fsutil.Acquire(ctx, fsutil.LockPath(e.main), opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			zap.L().Warn("backup: release store lock", zap.Error(err))
		}
	}()

	res := &Recovery{BestRows: -1}

	current, err := CountRows(e.main)
	if err != nil {
		zap.L().Warn("backup: main store unreadable, counting as empty",
			zap.String("path", e.main),
			zap.Error(err),
		)
		current = 0
	}
	res.CurrentRows = current

	snaps, err := e.List()
	if err != nil {
		return nil, err
	}
	if opts.ScanLimit > 0 && len(snaps) > opts.ScanLimit {
		snaps = snaps[:opts.ScanLimit]
	}
	res.Scanned = len(snaps)

	counts := make([]int, len(snaps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(countConcurrency)
	for i, s := range snaps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := CountRows(s.Path)
			if err != nil {
				zap.L().Warn("backup: unreadable snapshot skipped", zap.String("path", s.Path), zap.Error(err))
				n = -1
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "backup: scan snapshots")
	}

	// snaps is newest first, so a strict comparison keeps the most recent
	// snapshot among equal counts.
	for i, n := range counts {
		if n > res.BestRows {
			res.BestRows = n
			res.BestPath = snaps[i].Path
		}
	}

	if res.BestPath == "" || current >= res.BestRows-opts.Threshold {
		zap.L().Info("backup: main store intact",
			zap.Int("rows", current),
			zap.Int("best_backup_rows", res.BestRows),
			zap.Int("scanned", res.Scanned),
		)
		return res, nil
	}

	want := res.BestRows
	err = fsutil.CopyFileAtomic(res.BestPath, e.main, func(tmpPath string) error {
		got, err := CountRows(tmpPath)
		if err != nil {
			return err
		}
		if got != want {
			return eris.Errorf("backup: restored copy has %d rows, want %d", got, want)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "backup: restore %s", res.BestPath)
	}
	res.Restored = true

	line, err := e.log.Append(fmt.Sprintf("Auto-recovered from backup (%d -> %d rows): %s", current, want, res.BestPath))
	res.LogLine = line
	if err != nil {
		zap.L().Error("backup: write recovery log", zap.Error(err))
	}

	zap.L().Warn("backup: main store restored from backup",
		zap.String("backup", res.BestPath),
		zap.Int("from_rows", current),
		zap.Int("to_rows", want),
	)
	return res, nil
}
