package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the ledger uses; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresLedger implements Ledger using pgxpool, for deployments where
// several hosts share one ledger.
type PostgresLedger struct {
	pool Pool
}

// NewPostgres creates a PostgresLedger with a small connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresLedger, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresLedger{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS save_events (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id  TEXT NOT NULL DEFAULT '',
	tagger      TEXT NOT NULL,
	record_key  TEXT NOT NULL,
	prev_rows   INTEGER NOT NULL,
	rows        INTEGER NOT NULL,
	replaced    BOOLEAN NOT NULL DEFAULT false,
	backup_path TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rejected_saves (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id TEXT NOT NULL DEFAULT '',
	tagger     TEXT NOT NULL,
	record_key TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_save_events_tagger ON save_events(tagger);
CREATE INDEX IF NOT EXISTS idx_save_events_created_at ON save_events(created_at);
CREATE INDEX IF NOT EXISTS idx_rejected_saves_created_at ON rejected_saves(created_at);
`

func (s *PostgresLedger) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresLedger) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresLedger) RecordSave(ctx context.Context, ev SaveEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO save_events (id, session_id, tagger, record_key, prev_rows, rows, replaced, backup_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.SessionID, ev.Tagger, ev.Key, ev.PrevRows, ev.Rows, ev.Replaced, ev.BackupPath, ev.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert save event")
}

func (s *PostgresLedger) RecordRejected(ctx context.Context, rej RejectedSave) error {
	if rej.ID == "" {
		rej.ID = uuid.New().String()
	}
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rej.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rejected payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rejected_saves (id, session_id, tagger, record_key, reason, error, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rej.ID, rej.SessionID, rej.Tagger, rej.Key, rej.Reason, rej.Error, payload, rej.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert rejected save")
}

func (s *PostgresLedger) ListRejected(ctx context.Context, filter RejectedFilter) ([]RejectedSave, error) {
	query := `SELECT id, session_id, tagger, record_key, reason, error, payload, created_at
	          FROM rejected_saves WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Tagger != "" {
		query += fmt.Sprintf(` AND tagger = $%d`, argIdx)
		args = append(args, filter.Tagger)
		argIdx++
	}
	if filter.Reason != "" {
		query += fmt.Sprintf(` AND reason = $%d`, argIdx)
		args = append(args, filter.Reason)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rejected saves")
	}
	defer rows.Close()

	var out []RejectedSave
	for rows.Next() {
		var r RejectedSave
		var payload []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Tagger, &r.Key, &r.Reason, &r.Error, &payload, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rejected save")
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal rejected payload %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rejected iterate")
}

func (s *PostgresLedger) GetRejected(ctx context.Context, id string) (*RejectedSave, error) {
	var r RejectedSave
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, tagger, record_key, reason, error, payload, created_at
		 FROM rejected_saves WHERE id = $1`, id,
	).Scan(&r.ID, &r.SessionID, &r.Tagger, &r.Key, &r.Reason, &r.Error, &payload, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rejected save %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rejected save %s", id)
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal rejected payload %s", id)
	}
	return &r, nil
}

func (s *PostgresLedger) RemoveRejected(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rejected_saves WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: remove rejected save %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "rejected save %s", id)
	}
	return nil
}

func (s *PostgresLedger) SavesByTagger(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tagger, COUNT(*) FROM save_events WHERE created_at >= $1 GROUP BY tagger`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: saves by tagger")
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var tagger string
		var n int
		if err := rows.Scan(&tagger, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan saves by tagger")
		}
		out[tagger] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: saves by tagger iterate")
}
