// Package backup snapshots the tagged-record store on every save and
// restores it at startup when the main file has regressed.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tagging-cli/internal/fsutil"
)

// TimestampLayout is the second-resolution stamp embedded in backup names.
const TimestampLayout = "20060102_150405"

const ext = ".csv"

// Config configures an Engine.
type Config struct {
	// Dir holds the backup snapshots.
	Dir string
	// MainPath is the tagged-record store the snapshots are taken from.
	MainPath string
	// RecoveryLog receives one line per automatic restore. Empty disables it.
	RecoveryLog string
}

// Snapshot describes one backup file.
type Snapshot struct {
	Path    string
	Name    string
	ModTime time.Time
	Size    int64

	stamp string
	seq   int
}

// Rows counts the data rows in the snapshot.
func (s Snapshot) Rows() (int, error) {
	return CountRows(s.Path)
}

// Engine writes and scans backup snapshots for one store.
type Engine struct {
	dir  string
	main string
	base string
	log  *EventLog
	now  func() time.Time

	mu sync.Mutex
}

// New creates an Engine.
func New(cfg Config) *Engine {
	name := filepath.Base(cfg.MainPath)
	return &Engine{
		dir:  cfg.Dir,
		main: cfg.MainPath,
		base: strings.TrimSuffix(name, filepath.Ext(name)),
		log:  NewEventLog(cfg.RecoveryLog),
		now:  time.Now,
	}
}

// Dir returns the backup directory.
func (e *Engine) Dir() string {
	return e.dir
}

// MainPath returns the store path the engine protects.
func (e *Engine) MainPath() string {
	return e.main
}

// Snapshot writes data as a new backup named <base>_<YYYYMMDD_HHMMSS>.csv.
// Saves landing in the same second get a _N suffix so no snapshot is ever
// overwritten. The returned path is the file written.
func (e *Engine) Snapshot(data []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "backup: create dir %s", e.dir)
	}

	stamp := e.now().Format(TimestampLayout)
	path := filepath.Join(e.dir, fmt.Sprintf("%s_%s%s", e.base, stamp, ext))
	for n := 1; fileExists(path); n++ {
		path = filepath.Join(e.dir, fmt.Sprintf("%s_%s_%d%s", e.base, stamp, n, ext))
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", eris.Wrap(err, "backup: write snapshot")
	}

	zap.L().Debug("backup: snapshot written", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

// List returns the store's snapshots, newest first. A missing backup
// directory yields an empty list.
func (e *Engine) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "backup: read dir %s", e.dir)
	}

	prefix := e.base + "_"
	var snaps []Snapshot
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		stamp, seq := parseName(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		snaps = append(snaps, Snapshot{
			Path:    filepath.Join(e.dir, name),
			Name:    name,
			ModTime: info.ModTime(),
			Size:    info.Size(),
			stamp:   stamp,
			seq:     seq,
		})
	}

	slices.SortFunc(snaps, newestFirst)
	return snaps, nil
}

// newestFirst orders by mtime, then by the embedded timestamp and
// collision suffix, so same-second snapshots keep their write order.
func newestFirst(a, b Snapshot) int {
	if c := b.ModTime.Compare(a.ModTime); c != 0 {
		return c
	}
	if c := strings.Compare(b.stamp, a.stamp); c != 0 {
		return c
	}
	if a.seq != b.seq {
		return b.seq - a.seq
	}
	return strings.Compare(b.Name, a.Name)
}

// parseName splits "<YYYYMMDD_HHMMSS>[_N]" into its stamp and suffix.
// Names that do not follow the layout keep the whole string as stamp.
func parseName(s string) (string, int) {
	n := len(TimestampLayout)
	if len(s) < n {
		return s, 0
	}
	stamp, rest := s[:n], s[n:]
	if rest == "" {
		return stamp, 0
	}
	seq, err := strconv.Atoi(strings.TrimPrefix(rest, "_"))
	if err != nil || !strings.HasPrefix(rest, "_") {
		return s, 0
	}
	return stamp, seq
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
