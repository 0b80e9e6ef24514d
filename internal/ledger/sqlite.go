package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS save_events (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	tagger      TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	prev_rows   INTEGER NOT NULL,
	rows        INTEGER NOT NULL,
	replaced    INTEGER NOT NULL DEFAULT 0,
	backup_path TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rejected_saves (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	tagger     TEXT NOT NULL,
	record_key TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error      TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_save_events_tagger ON save_events(tagger);
CREATE INDEX IF NOT EXISTS idx_save_events_created_at ON save_events(created_at);
CREATE INDEX IF NOT EXISTS idx_rejected_saves_created_at ON rejected_saves(created_at);
`

func (s *SQLiteLedger) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

func (s *SQLiteLedger) RecordSave(ctx context.Context, ev SaveEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO save_events (id, session_id, tagger, record_key, prev_rows, rows, replaced, backup_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Tagger, ev.Key, ev.PrevRows, ev.Rows, ev.Replaced, ev.BackupPath, ev.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert save event")
}

func (s *SQLiteLedger) RecordRejected(ctx context.Context, rej RejectedSave) error {
	if rej.ID == "" {
		rej.ID = uuid.New().String()
	}
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rej.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rejected payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rejected_saves (id, session_id, tagger, record_key, reason, error, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rej.ID, rej.SessionID, rej.Tagger, rej.Key, rej.Reason, rej.Error, string(payload), rej.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert rejected save")
}

func (s *SQLiteLedger) ListRejected(ctx context.Context, filter RejectedFilter) ([]RejectedSave, error) {
	query := `SELECT id, session_id, tagger, record_key, reason, error, payload, created_at
	          FROM rejected_saves WHERE 1=1`
	var args []any
	if filter.Tagger != "" {
		query += ` AND tagger = ?`
		args = append(args, filter.Tagger)
	}
	if filter.Reason != "" {
		query += ` AND reason = ?`
		args = append(args, filter.Reason)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rejected saves")
	}
	defer rows.Close() //nolint:errcheck

	var out []RejectedSave
	for rows.Next() {
		var r RejectedSave
		var payload string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Tagger, &r.Key, &r.Reason, &r.Error, &payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rejected save")
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal rejected payload %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rejected iterate")
}

func (s *SQLiteLedger) GetRejected(ctx context.Context, id string) (*RejectedSave, error) {
	var r RejectedSave
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, tagger, record_key, reason, error, payload, created_at
		 FROM rejected_saves WHERE id = ?`, id,
	).Scan(&r.ID, &r.SessionID, &r.Tagger, &r.Key, &r.Reason, &r.Error, &payload, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rejected save %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rejected save %s", id)
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal rejected payload %s", id)
	}
	return &r, nil
}

func (s *SQLiteLedger) RemoveRejected(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rejected_saves WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: remove rejected save %s", id)
	}
	return checkRowsAffected(res, "rejected save", id)
}

func (s *SQLiteLedger) SavesByTagger(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tagger, COUNT(*) FROM save_events WHERE created_at >= ? GROUP BY tagger`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: saves by tagger")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int)
	for rows.Next() {
		var tagger string
		var n int
		if err := rows.Scan(&tagger, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan saves by tagger")
		}
		out[tagger] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: saves by tagger iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
