package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solenlabs/toolrelay/internal/events"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT         PRIMARY KEY,
    prompt     TEXT         NOT NULL,
    status     TEXT         NOT NULL,
    response   TEXT         NOT NULL DEFAULT '',
    error      TEXT         NOT NULL DEFAULT '',
    turns      INT          NOT NULL DEFAULT 0,
    cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
    tools_used JSONB        NOT NULL DEFAULT '[]',
    events     JSONB        NOT NULL DEFAULT '[]',
    started_at TIMESTAMPTZ  NOT NULL,
    ended_at   TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_ended_at
    ON sessions (ended_at DESC);
`

// PostgresStore is a PostgreSQL-backed Store. All operations are safe for
// concurrent use; the store owns a single [pgxpool.Pool].
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database at dsn and ensures the sessions
// table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore: migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Archive implements Store.
func (s *PostgresStore) Archive(ctx context.Context, rec Record) error {
	toolsUsed, err := json.Marshal(rec.ToolsUsed)
	if err != nil {
		return fmt.Errorf("sessionstore: encode tools_used: %w", err)
	}
	evs, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("sessionstore: encode events: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions
		    (session_id, prompt, status, response, error, turns, cost_usd, tools_used, events, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
		    status = EXCLUDED.status, response = EXCLUDED.response, error = EXCLUDED.error,
		    turns = EXCLUDED.turns, cost_usd = EXCLUDED.cost_usd,
		    tools_used = EXCLUDED.tools_used, events = EXCLUDED.events,
		    ended_at = EXCLUDED.ended_at`,
		rec.SessionID, rec.Prompt, rec.Status, rec.Response, rec.Error,
		rec.Turns, rec.CostUSD, toolsUsed, evs, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("sessionstore: archive session %q: %w", rec.SessionID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, prompt, status, response, error, turns, cost_usd, tools_used, events, started_at, ended_at
		FROM sessions WHERE session_id = $1`, sessionID)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionstore: get session %q: %w", sessionID, err)
	}
	return rec, nil
}

// Recent implements Store.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, prompt, status, response, error, turns, cost_usd, tools_used, events, started_at, ended_at
		FROM sessions ORDER BY ended_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("sessionstore: scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: recent rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var toolsUsed, evs []byte
	if err := row.Scan(
		&rec.SessionID, &rec.Prompt, &rec.Status, &rec.Response, &rec.Error,
		&rec.Turns, &rec.CostUSD, &toolsUsed, &evs, &rec.StartedAt, &rec.EndedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(toolsUsed, &rec.ToolsUsed); err != nil {
		return nil, fmt.Errorf("decode tools_used: %w", err)
	}
	var decoded []events.Event
	if err := json.Unmarshal(evs, &decoded); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	rec.Events = decoded
	return &rec, nil
}
