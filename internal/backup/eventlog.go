package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// LogTimestampLayout is the human-readable stamp prefixed to log lines.
const LogTimestampLayout = "2006-01-02 15:04:05"

// EventLog is a plain append-only text log, one line per event. It is the
// audit trail for recoveries and saves, read by people rather than tools.
type EventLog struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewEventLog returns a log appending to path. An empty path yields a log
// that discards everything.
func NewEventLog(path string) *EventLog {
	return &EventLog{path: path, now: time.Now}
}

// Path returns the log file path.
func (l *EventLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes "[YYYY-MM-DD HH:MM:SS] msg" and returns the line without
// its trailing newline.
func (l *EventLog) Append(msg string) (string, error) {
	if l == nil {
		return "", nil
	}
	line := fmt.Sprintf("[%s] %s", l.now().Format(LogTimestampLayout), msg)
	if l.path == "" {
		return line, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return line, eris.Wrapf(err, "backup: create log dir %s", dir)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return line, eris.Wrapf(err, "backup: open log %s", l.path)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close() //nolint:errcheck
		return line, eris.Wrapf(err, "backup: append log %s", l.path)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return line, eris.Wrapf(err, "backup: sync log %s", l.path)
	}
	return line, eris.Wrap(f.Close(), "backup: close log")
}
