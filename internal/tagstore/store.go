// Package tagstore is the durable table of completed annotations: a CSV
// file keyed by original filename with last-write-wins de-duplication.
package tagstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/fsutil"
	"github.com/sells-group/tagging-cli/internal/model"
)

// ErrBelowFloor is returned when a persist would shrink the store into the
// abnormal range: below the configured minimum, or by more than the
// allowed share of the on-disk rows. Nothing is written.
var ErrBelowFloor = eris.New("tagstore: refusing to persist below minimum row floor")

// ErrLocked is returned when another writer holds the store lock past the
// configured timeout.
var ErrLocked = fsutil.ErrLocked

// Config configures a Store.
type Config struct {
	Path        string
	MinRows     int
	// MaxShrink is the largest fraction of on-disk rows a persist may drop.
	// Zero disables the check.
	MaxShrink   float64
	LockTimeout time.Duration
	// SaveLog receives one line per successful save. Empty disables it.
	SaveLog string
}

// SaveResult describes a completed save.
type SaveResult struct {
	Record     model.TaggedRecord `json:"record"`
	Rows       int                `json:"rows"`
	PrevRows   int                `json:"prev_rows"`
	BackupPath string             `json:"backup_path,omitempty"`
	// Replaced is set when the save superseded an earlier row for the key.
	Replaced bool `json:"replaced"`
}

// Store reads and writes the tagged-record file.
type Store struct {
	path        string
	minRows     int
	maxShrink   float64
	lockTimeout time.Duration
	backups     *backup.Engine
	saveLog     *backup.EventLog
	now         func() time.Time

	mu sync.Mutex
}

// New creates a Store. backups receives a snapshot before every write; nil
// disables snapshots.
func New(cfg Config, backups *backup.Engine) *Store {
	return &Store{
		path:        cfg.Path,
		minRows:     cfg.MinRows,
		maxShrink:   cfg.MaxShrink,
		lockTimeout: cfg.LockTimeout,
		backups:     backups,
		saveLog:     backup.NewEventLog(cfg.SaveLog),
		now:         time.Now,
	}
}

// Path returns the store file path.
func (s *Store) Path() string {
	return s.path
}

// MinRows returns the persist floor.
func (s *Store) MinRows() int {
	return s.minRows
}

// Load reads every row from disk. A missing or zero-length file is an
// empty store, not an error.
func (s *Store) Load(ctx context.Context) ([]model.TaggedRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "tagstore: read %s", s.path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	records, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrapf(err, "tagstore: load %s", s.path)
	}
	return records, nil
}

// Append returns records with rec added at the end. records is not
// modified.
func Append(records []model.TaggedRecord, rec model.TaggedRecord) []model.TaggedRecord {
	return append(slices.Clip(records), rec)
}

// ResolveDuplicates keeps only the last-appended row for each key. The
// result is ordered by the position of each surviving row, so the merge is
// deterministic and idempotent.
func ResolveDuplicates(records []model.TaggedRecord) []model.TaggedRecord {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.Key] = i
	}
	out := make([]model.TaggedRecord, 0, len(last))
	for i, r := range records {
		if last[r.Key] == i {
			out = append(out, r)
		}
	}
	return out
}

// Persist writes records as the full store: guard, then backup snapshot,
// then an atomic replace of the main file. It holds the store lock for
// the duration. The returned path is the snapshot written.
func (s *Store) Persist(ctx context.Context, records []model.TaggedRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsutil.Acquire(ctx, s.lockPath(), s.lockTimeout)
	if err != nil {
		return "", err
	}
	defer s.release(lock)

	return s.persist(records)
}

// Save runs one read-merge-write cycle for rec: lock, reload from disk,
// append, resolve duplicates, persist. Reloading under the lock means a
// concurrent session's row is never overwritten by a stale snapshot.
func (s *Store) Save(ctx context.Context, rec model.TaggedRecord) (*SaveResult, error) {
	if rec.Key == "" {
		return nil, eris.Wrap(model.ErrMissingKey, "tagstore: save")
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}
	rec.SchemaVersion = model.CurrentSchemaVersion
	rec.StoneShapes = model.NormalizeShapes(rec.StoneShapes)

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := fsutil.Acquire(ctx, s.lockPath(), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer s.release(lock)

	current, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	prev := ResolveDuplicates(current)
	_, replaced := model.KeySet(prev)[rec.Key]

	merged := ResolveDuplicates(Append(current, rec))
	backupPath, err := s.persist(merged)
	if err != nil {
		return nil, err
	}

	res := &SaveResult{
		Record:     rec,
		Rows:       len(merged),
		PrevRows:   len(prev),
		BackupPath: backupPath,
		Replaced:   replaced,
	}

	msg := fmt.Sprintf("Saved %s by %s (%d -> %d rows): %s", rec.Key, rec.Tagger, res.PrevRows, res.Rows, s.path)
	if _, err := s.saveLog.Append(msg); err != nil {
		zap.L().Warn("tagstore: write save log", zap.Error(err))
	}

	zap.L().Info("tagstore: saved",
		zap.String("key", rec.Key),
		zap.String("tagger", rec.Tagger),
		zap.Int("rows", res.Rows),
		zap.Bool("replaced", replaced),
		zap.String("backup", backupPath),
	)
	return res, nil
}

// persist assumes the caller holds the lock.
func (s *Store) persist(records []model.TaggedRecord) (string, error) {
	if err := s.guard(len(records)); err != nil {
		return "", err
	}

	data, err := Encode(records)
	if err != nil {
		return "", err
	}

	var backupPath string
	if s.backups != nil {
		backupPath, err = s.backups.Snapshot(data)
		if err != nil {
			return "", eris.Wrap(err, "tagstore: snapshot before write")
		}
	}

	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return backupPath, eris.Wrap(err, "tagstore: write store")
	}
	return backupPath, nil
}

// guard rejects a write of n rows that shrinks the on-disk store below the
// floor or by more than maxShrink of its rows. Growth is always allowed.
func (s *Store) guard(n int) error {
	if n >= s.minRows && s.maxShrink <= 0 {
		return nil
	}
	onDisk, err := s.diskRows()
	if err != nil {
		return err
	}
	if onDisk <= n {
		return nil
	}

	if n < s.minRows {
		zap.L().Error("tagstore: persist rejected below floor",
			zap.Int("rows", n),
			zap.Int("on_disk", onDisk),
			zap.Int("min_rows", s.minRows),
		)
		return eris.Wrapf(ErrBelowFloor, "tagstore: %d rows would replace %d (floor %d)", n, onDisk, s.minRows)
	}
	if s.maxShrink > 0 && float64(onDisk-n) > s.maxShrink*float64(onDisk) {
		zap.L().Error("tagstore: persist rejected, store would shrink",
			zap.Int("rows", n),
			zap.Int("on_disk", onDisk),
			zap.Float64("max_shrink", s.maxShrink),
		)
		return eris.Wrapf(ErrBelowFloor, "tagstore: %d rows would replace %d (max shrink %.0f%%)",
			n, onDisk, s.maxShrink*100)
	}
	return nil
}

// diskRows counts live rows in the on-disk store; a missing file has none.
func (s *Store) diskRows() (int, error) {
	records, err := s.Load(context.Background())
	if err != nil {
		return 0, eris.Wrap(err, "tagstore: count on-disk rows")
	}
	return len(ResolveDuplicates(records)), nil
}

func (s *Store) lockPath() string {
	return fsutil.LockPath(s.path)
}

func (s *Store) release(lock *fsutil.FileLock) {
	if err := lock.Release(); err != nil {
		zap.L().Warn("tagstore: release lock", zap.Error(err))
	}
}

// CountByTagger tallies rows per tagger identity. Rows without a tagger
// are counted under "".
func CountByTagger(records []model.TaggedRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range ResolveDuplicates(records) {
		counts[r.Tagger]++
	}
	return counts
}
