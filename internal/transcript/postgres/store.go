// Package postgres provides a PostgreSQL-backed [transcript.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Append(ctx, transcript.Entry{SessionID: id, Role: "user", Text: "hello"})
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/transcript"
)

// Compile-time interface check.
var _ transcript.Store = (*Store)(nil)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);
`

// Migrate creates the transcript_entries table and its index. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [transcript.Store] backed by a single [pgxpool.Pool].
//
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Append implements [transcript.Store]. A zero Timestamp is replaced by the
// database clock.
func (s *Store) Append(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, role, text, timestamp)
		VALUES ($1, $2, $3, COALESCE($4, now()))`

	var ts *time.Time
	if !e.Timestamp.IsZero() {
		ts = &e.Timestamp
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, e.Role, e.Text, ts); err != nil {
		return fmt.Errorf("transcript store: append: %w", err)
	}
	return nil
}

// List implements [transcript.Store].
func (s *Store) List(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT session_id, role, text, timestamp
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript store: list: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var e transcript.Entry
		err := row.Scan(&e.SessionID, &e.Role, &e.Text, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return entries, nil
}

// Ping implements [transcript.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
