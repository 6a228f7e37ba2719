package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oslerlabs/patientsim/internal/store"
	storemock "github.com/oslerlabs/patientsim/internal/store/mock"
	"github.com/oslerlabs/patientsim/internal/transcript"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, sessionID string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeBroadcaster) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func testTurn() store.Turn {
	return store.Turn{
		Role:        "user",
		Text:        "I have chest pain",
		Source:      "live",
		Fingerprint: "fp-1",
		SpokenAt:    time.UnixMilli(1700000000000).UTC(),
	}
}

func TestCoordinatorBroadcastsAndPersists(t *testing.T) {
	bcast := &fakeBroadcaster{}
	turns := &storemock.TurnStore{}
	c := NewCoordinator(bcast, turns, nil)

	c.Relay(context.Background(), "sess-1", testTurn())

	msgs := bcast.messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if msgs[0].Text != "I have chest pain" || !msgs[0].IsFinal {
		t.Errorf("message = %+v", msgs[0])
	}
	if msgs[0].Timestamp != 1700000000000 {
		t.Errorf("timestamp = %d", msgs[0].Timestamp)
	}

	ins := turns.Inserted("sess-1")
	if len(ins) != 1 {
		t.Fatalf("inserted = %d, want 1", len(ins))
	}
	if ins[0].Fingerprint != "fp-1" {
		t.Errorf("fingerprint = %q", ins[0].Fingerprint)
	}
}

func TestCoordinatorLegsFailIndependently(t *testing.T) {
	t.Run("broadcast fails, persist still lands", func(t *testing.T) {
		bcast := &fakeBroadcaster{err: errors.New("no listeners")}
		turns := &storemock.TurnStore{}
		c := NewCoordinator(bcast, turns, nil)

		c.Relay(context.Background(), "sess-1", testTurn())

		if got := len(turns.Inserted("sess-1")); got != 1 {
			t.Errorf("inserted = %d, want 1 despite broadcast failure", got)
		}
	})

	t.Run("persist fails, broadcast still delivers", func(t *testing.T) {
		bcast := &fakeBroadcaster{}
		turns := &storemock.TurnStore{InsertErr: errors.New("db down")}
		c := NewCoordinator(bcast, turns, nil)

		c.Relay(context.Background(), "sess-1", testTurn())

		if got := len(bcast.messages()); got != 1 {
			t.Errorf("broadcasts = %d, want 1 despite persist failure", got)
		}
	})

	t.Run("both fail, relay still returns", func(t *testing.T) {
		bcast := &fakeBroadcaster{err: errors.New("no listeners")}
		turns := &storemock.TurnStore{InsertErr: errors.New("db down")}
		c := NewCoordinator(bcast, turns, nil)

		// Must not panic or block.
		c.Relay(context.Background(), "sess-1", testTurn())
	})
}

func TestCoordinatorNilCollaborators(t *testing.T) {
	c := NewCoordinator(nil, nil, nil)
	c.Relay(context.Background(), "sess-1", testTurn())
}

func TestCoordinatorDeliverConvertsEvent(t *testing.T) {
	bcast := &fakeBroadcaster{}
	turns := &storemock.TurnStore{}
	c := NewCoordinator(bcast, turns, nil)

	c.Deliver(context.Background(), "sess-1", transcript.Event{
		Role:          transcript.RoleAssistant,
		Text:          "Tell me more.",
		IsFinal:       true,
		Source:        transcript.SourceLive,
		Identifier:    "item-7",
		FinalizedAtMs: 1700000000123,
	})

	ins := turns.Inserted("sess-1")
	if len(ins) != 1 {
		t.Fatalf("inserted = %d, want 1", len(ins))
	}
	if ins[0].Role != "assistant" || ins[0].Fingerprint != "item-7" {
		t.Errorf("turn = %+v", ins[0])
	}
	if got := ins[0].SpokenAt.UnixMilli(); got != 1700000000123 {
		t.Errorf("spoken at = %d", got)
	}
}

func TestCoordinatorDeliverWithoutSessionIsDropped(t *testing.T) {
	turns := &storemock.TurnStore{}
	c := NewCoordinator(nil, turns, nil)

	c.Deliver(context.Background(), "", transcript.Event{
		Role: transcript.RoleUser, Text: "hi", IsFinal: true,
	})

	if got := len(turns.Inserted("")); got != 0 {
		t.Errorf("inserted = %d, want 0", got)
	}
}

func TestCoordinatorDeliverFingerprintIdempotent(t *testing.T) {
	turns := &storemock.TurnStore{}
	c := NewCoordinator(nil, turns, nil)
	ev := transcript.Event{
		Role:          transcript.RoleUser,
		Text:          "hello",
		IsFinal:       true,
		Identifier:    "item-1",
		FinalizedAtMs: 1700000000000,
	}

	c.Deliver(context.Background(), "sess-1", ev)
	c.Deliver(context.Background(), "sess-1", ev)

	if got := len(turns.Inserted("sess-1")); got != 1 {
		t.Errorf("inserted = %d, want 1 (fingerprint dedup)", got)
	}
}

func TestCoordinatorSuppressesDuplicateDelivery(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	bcast := &fakeBroadcaster{}
	turns := &storemock.TurnStore{}
	c := NewCoordinator(bcast, turns, nil, WithCoordinatorClock(func() time.Time { return base }))

	turn := store.Turn{
		Role:          "user",
		Text:          "I have chest pain",
		Source:        "live",
		Fingerprint:   "fp-1",
		SpokenAt:      base,
		FinalizedAtMs: base.UnixMilli(),
	}

	// The live path and the external relay client deliver the same
	// utterance; only the first may reach listeners and the store.
	c.Relay(context.Background(), "sess-1", turn)
	c.Relay(context.Background(), "sess-1", turn)

	if got := len(bcast.messages()); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
	if got := len(turns.Inserted("sess-1")); got != 1 {
		t.Errorf("inserted = %d, want 1", got)
	}
}

func TestCoordinatorCatchupWindowAsymmetry(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	bcast := &fakeBroadcaster{}
	c := NewCoordinator(bcast, nil, nil, WithCoordinatorClock(func() time.Time { return base }))

	relayAt := func(source string, offset time.Duration) {
		at := base.Add(offset)
		c.Relay(context.Background(), "sess-1", store.Turn{
			Role:          "user",
			Text:          "ready",
			Source:        source,
			SpokenAt:      at,
			FinalizedAtMs: at.UnixMilli(),
		})
	}

	relayAt("live", 0)
	// A catch-up replay 20s later falls inside the widened window.
	relayAt("catchup", 20*time.Second)
	// The same gap on the live path is new content.
	relayAt("live", 20*time.Second)

	if got := len(bcast.messages()); got != 2 {
		t.Fatalf("broadcasts = %d, want 2 (catchup duplicate suppressed)", got)
	}
}

func TestCoordinatorAssignsFingerprintWhenMissing(t *testing.T) {
	base := time.UnixMilli(1700000000000).UTC()
	turns := &storemock.TurnStore{}
	c := NewCoordinator(nil, turns, nil, WithCoordinatorClock(func() time.Time { return base }))

	for i, text := range []string{"yes", "no"} {
		at := base.Add(time.Duration(i) * time.Second)
		c.Relay(context.Background(), "sess-1", store.Turn{
			Role:          "user",
			Text:          text,
			Source:        "live",
			SpokenAt:      at,
			FinalizedAtMs: at.UnixMilli(),
		})
	}

	ins := turns.Inserted("sess-1")
	if len(ins) != 2 {
		t.Fatalf("inserted = %d, want 2 distinct unfingerprinted turns", len(ins))
	}
	if ins[0].Fingerprint == "" || ins[1].Fingerprint == "" {
		t.Error("turns persisted without a synthesized fingerprint")
	}
	if ins[0].Fingerprint == ins[1].Fingerprint {
		t.Errorf("fingerprints collided: %q", ins[0].Fingerprint)
	}
}

func TestCoordinatorBroadcastCarriesFingerprintAndTimings(t *testing.T) {
	bcast := &fakeBroadcaster{}
	c := NewCoordinator(bcast, nil, nil)

	turn := testTurn()
	turn.StartedAtMs = 1699999999000
	turn.EmittedAtMs = 1700000000000
	turn.FinalizedAtMs = 1700000000000
	c.Relay(context.Background(), "sess-1", turn)

	msgs := bcast.messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if msgs[0].Fingerprint != "fp-1" {
		t.Errorf("fingerprint = %q, want fp-1", msgs[0].Fingerprint)
	}
	if msgs[0].Timings == nil || msgs[0].Timings.StartedAtMs != 1699999999000 {
		t.Errorf("timings = %+v", msgs[0].Timings)
	}
}
