// Package store defines the persistence contract for conversation turns.
// The canonical implementation is [postgres.Store]; tests use the mock
// sub-package.
package store

import (
	"context"
	"time"
)

// Turn is one persisted conversation turn.
type Turn struct {
	// Role is the speaker: "user" or "assistant".
	Role string

	// Text is the final utterance text.
	Text string

	// Source records how the turn reached the backend: "live" or "catchup".
	Source string

	// Fingerprint is a stable identity for the utterance, used to make
	// writes idempotent across retries and catch-up replays. Derived from
	// the provider item identifier when the sender supplied one.
	Fingerprint string

	// SpokenAt is when the utterance was finalized. It orders turns for
	// catch-up replay.
	SpokenAt time.Time

	// StartedAtMs, EmittedAtMs, and FinalizedAtMs are the utterance timing
	// fields in epoch milliseconds. Zero means the sender did not report
	// that timing.
	StartedAtMs   int64
	EmittedAtMs   int64
	FinalizedAtMs int64
}

// TurnStore persists and replays conversation turns.
type TurnStore interface {
	// InsertTurn appends a turn under sessionID. Re-inserting a turn with a
	// fingerprint already present for the session is a no-op.
	InsertTurn(ctx context.Context, sessionID string, turn Turn) error

	// RecentTurns returns up to limit turns for sessionID in chronological
	// order, oldest first.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
