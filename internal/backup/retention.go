package backup

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Prune deletes snapshots beyond the newest keep and snapshots older than
// maxAge. A zero keep or maxAge disables that rule. The newest snapshot is
// never deleted. It returns the paths removed.
func (e *Engine) Prune(keep int, maxAge time.Duration) ([]string, error) {
	if keep <= 0 && maxAge <= 0 {
		return nil, nil
	}

	snaps, err := e.List()
	if err != nil {
		return nil, err
	}

	now := e.now()
	var removed []string
	for i, s := range snaps {
		if i == 0 {
			continue
		}
		tooMany := keep > 0 && i >= keep
		tooOld := maxAge > 0 && now.Sub(s.ModTime) > maxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			return removed, eris.Wrapf(err, "backup: remove %s", s.Path)
		}
		removed = append(removed, s.Path)
	}

	if len(removed) > 0 {
		zap.L().Info("backup: pruned snapshots",
			zap.Int("removed", len(removed)),
			zap.Int("kept", len(snaps)-len(removed)),
		)
	}
	return removed, nil
}
