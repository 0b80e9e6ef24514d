// Package ledger records save events and keeps rejected saves so their
// payloads can be inspected and resubmitted. The CSV store stays the
// source of truth; the ledger is an audit trail beside it.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tagging-cli/internal/model"
)

// Drivers accepted by Open.
const (
	DriverNone     = "none"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Rejection reasons.
const (
	ReasonBelowFloor = "below_floor"
	ReasonLocked     = "locked"
	ReasonError      = "error"
)

// ErrNotFound is returned when a rejected save ID is unknown.
var ErrNotFound = eris.New("ledger: not found")

// SaveEvent is one successful save.
type SaveEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Tagger     string    `json:"tagger"`
	Key        string    `json:"key"`
	PrevRows   int       `json:"prev_rows"`
	Rows       int       `json:"rows"`
	Replaced   bool      `json:"replaced"`
	BackupPath string    `json:"backup_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// RejectedSave is a save the store refused, with the payload that would
// otherwise be lost.
type RejectedSave struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	Tagger    string             `json:"tagger"`
	Key       string             `json:"key"`
	Reason    string             `json:"reason"`
	Error     string             `json:"error"`
	Payload   model.TaggedRecord `json:"payload"`
	CreatedAt time.Time          `json:"created_at"`
}

// RejectedFilter narrows ListRejected.
type RejectedFilter struct {
	Tagger string `json:"tagger,omitempty"`
	Reason string `json:"reason,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Ledger persists save events and rejected saves.
type Ledger interface {
	RecordSave(ctx context.Context, ev SaveEvent) error
	RecordRejected(ctx context.Context, rej RejectedSave) error
	ListRejected(ctx context.Context, filter RejectedFilter) ([]RejectedSave, error)
	GetRejected(ctx context.Context, id string) (*RejectedSave, error)
	RemoveRejected(ctx context.Context, id string) error
	SavesByTagger(ctx context.Context, since time.Time) (map[string]int, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the ledger for driver and runs its migration.
func Open(ctx context.Context, driver, dsn string) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverSQLite:
		l, err = NewSQLite(dsn)
	case DriverPostgres:
		l, err = NewPostgres(ctx, dsn)
	default:
		return nil, eris.Errorf("ledger: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordSave(context.Context, SaveEvent) error      { return nil }
func (Nop) RecordRejected(context.Context, RejectedSave) error { return nil }
func (Nop) ListRejected(context.Context, RejectedFilter) ([]RejectedSave, error) {
	return nil, nil
}
func (Nop) GetRejected(_ context.Context, id string) (*RejectedSave, error) {
	return nil, eris.Wrapf(ErrNotFound, "rejected save %s", id)
}
func (Nop) RemoveRejected(context.Context, string) error { return nil }
func (Nop) SavesByTagger(context.Context, time.Time) (map[string]int, error) {
	return map[string]int{}, nil
}
func (Nop) Migrate(context.Context) error { return nil }
func (Nop) Close() error                  { return nil }

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
