// Package postgres provides the PostgreSQL-backed [store.TurnStore]
// implementation.
//
// All operations share a single [pgxpool.Pool]. [New] runs the schema
// migration automatically.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oslerlabs/patientsim/internal/store"
)

var _ store.TurnStore = (*Store)(nil)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id              BIGSERIAL    PRIMARY KEY,
    session_id      TEXT         NOT NULL,
    role            TEXT         NOT NULL,
    text            TEXT         NOT NULL,
    source          TEXT         NOT NULL DEFAULT 'live',
    fingerprint     TEXT         NOT NULL,
    spoken_at       TIMESTAMPTZ  NOT NULL,
    started_at_ms   BIGINT       NOT NULL DEFAULT 0,
    emitted_at_ms   BIGINT       NOT NULL DEFAULT 0,
    finalized_at_ms BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_session_fingerprint
    ON conversation_turns (session_id, fingerprint);

CREATE INDEX IF NOT EXISTS idx_turns_session_spoken
    ON conversation_turns (session_id, spoken_at);
`

// Store is the PostgreSQL-backed turn store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the database at dsn,
// and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
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

// Migrate ensures the conversation_turns table and its indexes exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("migrate turns: %w", err)
	}
	return nil
}

// InsertTurn implements [store.TurnStore]. The (session_id, fingerprint)
// unique index makes duplicate inserts a no-op, so catch-up replays and
// delivery retries cannot produce double rows. A turn arriving without a
// fingerprint gets a synthesized one first: two distinct unfingerprinted
// turns must never collide on the unique index and silently lose speech.
func (s *Store) InsertTurn(ctx context.Context, sessionID string, turn store.Turn) error {
	const q = `
		INSERT INTO conversation_turns
		    (session_id, role, text, source, fingerprint, spoken_at,
		     started_at_ms, emitted_at_ms, finalized_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id, fingerprint) DO NOTHING`

	spokenAt := turn.SpokenAt
	if spokenAt.IsZero() {
		spokenAt = time.Now().UTC()
	}
	fingerprint := turn.Fingerprint
	if fingerprint == "" {
		fingerprint = "synth-" + uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, q,
		sessionID,
		turn.Role,
		turn.Text,
		turn.Source,
		fingerprint,
		spokenAt,
		turn.StartedAtMs,
		turn.EmittedAtMs,
		turn.FinalizedAtMs,
	)
	if err != nil {
		return fmt.Errorf("turn store: insert: %w", err)
	}
	return nil
}

// RecentTurns implements [store.TurnStore]. Turns come back oldest first so
// a reconnecting listener can replay them in conversation order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	const q = `
		SELECT role, text, source, fingerprint, spoken_at,
		       started_at_ms, emitted_at_ms, finalized_at_ms
		FROM (
		    SELECT role, text, source, fingerprint, spoken_at,
		           started_at_ms, emitted_at_ms, finalized_at_ms
		    FROM   conversation_turns
		    WHERE  session_id = $1
		    ORDER  BY spoken_at DESC, id DESC
		    LIMIT  $2
		) latest
		ORDER BY spoken_at, fingerprint`

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn store: recent: %w", err)
	}
	return collectTurns(rows)
}

// Ping reports connectivity to the database. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectTurns scans pgx rows into a slice of Turn values.
func collectTurns(rows pgx.Rows) ([]store.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Turn, error) {
		var t store.Turn
		err := row.Scan(&t.Role, &t.Text, &t.Source, &t.Fingerprint, &t.SpokenAt,
			&t.StartedAtMs, &t.EmittedAtMs, &t.FinalizedAtMs)
		if err != nil {
			return store.Turn{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	return turns, nil
}
