package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Compile-time assertion that MediaGate implements MediaSource.
var _ MediaSource = (*MediaGate)(nil)

// MediaGate bounds the number of concurrently open realtime media channels.
// Acquire blocks until a slot is free or ctx is done; the returned release
// function frees the slot and is safe to call more than once.
type MediaGate struct {
	sem *semaphore.Weighted
}

// NewMediaGate creates a gate admitting at most maxChannels concurrent
// acquisitions.
func NewMediaGate(maxChannels int64) *MediaGate {
	return &MediaGate{sem: semaphore.NewWeighted(maxChannels)}
}

// Acquire implements [MediaSource].
func (g *MediaGate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("session: media gate: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}
