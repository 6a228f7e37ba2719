// Package mock provides an in-memory test double for [store.TurnStore].
//
// The mock records every inserted turn and exposes exported error fields to
// force failures. Safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/oslerlabs/patientsim/internal/store"
)

var _ store.TurnStore = (*TurnStore)(nil)

// TurnStore is a configurable test double for [store.TurnStore].
type TurnStore struct {
	mu sync.Mutex

	// InsertErr is returned by InsertTurn when non-nil.
	InsertErr error

	// RecentResult is returned by RecentTurns. When nil, the turns inserted
	// so far for the session are returned instead.
	RecentResult []store.Turn

	// RecentErr is returned by RecentTurns when non-nil.
	RecentErr error

	inserted map[string][]store.Turn
}

// InsertTurn implements [store.TurnStore]. Duplicate fingerprints for a
// session are dropped, mirroring the unique index of the real store.
func (m *TurnStore) InsertTurn(ctx context.Context, sessionID string, turn store.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if m.inserted == nil {
		m.inserted = make(map[string][]store.Turn)
	}
	for _, existing := range m.inserted[sessionID] {
		if existing.Fingerprint != "" && existing.Fingerprint == turn.Fingerprint {
			return nil
		}
	}
	m.inserted[sessionID] = append(m.inserted[sessionID], turn)
	return nil
}

// RecentTurns implements [store.TurnStore].
func (m *TurnStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecentErr != nil {
		return nil, m.RecentErr
	}
	if m.RecentResult != nil {
		return m.RecentResult, nil
	}
	turns := m.inserted[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]store.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Inserted returns a snapshot of the turns inserted for sessionID.
func (m *TurnStore) Inserted(sessionID string) []store.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.inserted[sessionID]
	out := make([]store.Turn, len(turns))
	copy(out, turns)
	return out
}
