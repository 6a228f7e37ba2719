// Package relay accepts final transcript events over HTTP, broadcasts them
// to live websocket listeners, and persists them as conversation turns.
//
// Broadcast and persistence run concurrently and fail independently: a
// transcript accepted by the relay is always acknowledged to the sender,
// even when one or both legs fail. Failures are logged with enough context
// to tell "listeners missed it" apart from "it was never saved".
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/internal/store"
	"github.com/oslerlabs/patientsim/internal/transcript"
)

// deliverTimeout bounds the combined broadcast-and-persist work for one
// transcript.
const deliverTimeout = 10 * time.Second

// Timings carries the utterance timing fields of a final transcript
// message, in epoch milliseconds.
type Timings struct {
	StartedAtMs   int64 `json:"startedAtMs,omitempty"`
	EmittedAtMs   int64 `json:"emittedAtMs,omitempty"`
	FinalizedAtMs int64 `json:"finalizedAtMs,omitempty"`
}

// Message is the wire shape delivered to websocket listeners. Transcript
// messages fill the role/text/timing fields; connection lifecycle messages
// fill the step/progress/reason fields instead. Fingerprint lets a client
// reconcile a broadcast turn against one it already rendered from another
// delivery path.
type Message struct {
	Type        string   `json:"type"`
	Role        string   `json:"role,omitempty"`
	Text        string   `json:"text,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Source      string   `json:"source,omitempty"`
	IsFinal     bool     `json:"isFinal,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Timings     *Timings `json:"timings,omitempty"`

	Step     string  `json:"step,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Broadcaster fans a message out to the listeners of a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, msg Message) error
}

// dedupIdleTTL is how long a session's relay dedup state survives without
// traffic before it is evicted.
const dedupIdleTTL = 5 * time.Minute

// Coordinator runs the broadcast and persistence legs for each accepted
// transcript. Either collaborator may be nil, in which case that leg is
// skipped.
//
// Turns arriving over the HTTP relay race the live provider path for the
// same utterance, so each session gets its own [transcript.Deduper]:
// a duplicate delivery is suppressed before it can reach listeners or the
// store a second time.
type Coordinator struct {
	bcast   Broadcaster
	turns   store.TurnStore
	metrics *observe.Metrics
	clock   transcript.Clock

	mu       sync.Mutex
	dedupers map[string]*sessionDedup
}

type sessionDedup struct {
	d        *transcript.Deduper
	lastSeen time.Time
}

// CoordinatorOption configures a [Coordinator].
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock injects the clock used for dedup windows and idle
// eviction. Tests pin it; production passes nothing and gets [time.Now].
func WithCoordinatorClock(clock transcript.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(bcast Broadcaster, turns store.TurnStore, metrics *observe.Metrics, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		bcast:    bcast,
		turns:    turns,
		metrics:  metrics,
		dedupers: make(map[string]*sessionDedup),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// Relay broadcasts and persists one turn concurrently. It never fails: the
// transcript was received, and each leg degrades independently. A turn the
// session's deduper recognises as an already-delivered utterance is
// suppressed entirely.
func (c *Coordinator) Relay(ctx context.Context, sessionID string, turn store.Turn) {
	verdict, ok := c.admit(sessionID, &turn)
	if !ok {
		slog.Info("suppressed duplicate relay transcript",
			"session_id", sessionID,
			"role", turn.Role,
			"signal", verdict.Signal,
		)
		if c.metrics != nil {
			c.metrics.RecordSuppressed(context.Background(), turn.Role, verdict.Signal)
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	msg := Message{
		Type:        "transcript",
		Role:        turn.Role,
		Text:        turn.Text,
		Timestamp:   turn.SpokenAt.UnixMilli(),
		Source:      turn.Source,
		IsFinal:     true,
		Fingerprint: turn.Fingerprint,
		Timings:     turnTimings(turn),
	}

	g, gctx := errgroup.WithContext(ctx)

	if c.bcast != nil {
		g.Go(func() error {
			if err := c.bcast.Broadcast(gctx, sessionID, msg); err != nil {
				slog.Error("relay broadcast failed, listeners may not see this message",
					"session_id", sessionID,
					"role", turn.Role,
					"err", err,
				)
				c.recordFailure("broadcast")
			}
			return nil
		})
	}
	if c.turns != nil {
		g.Go(func() error {
			if err := c.turns.InsertTurn(gctx, sessionID, turn); err != nil {
				slog.Error("relay persist failed, message delivered but not saved",
					"session_id", sessionID,
					"role", turn.Role,
					"err", err,
				)
				c.recordFailure("persist")
			}
			return nil
		})
	}

	_ = g.Wait()
}

// Partial broadcasts a non-final transcript update. Partials are
// display-only: they are never deduplicated or persisted.
func (c *Coordinator) Partial(ctx context.Context, sessionID, role, text string) {
	if c.bcast == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	msg := Message{Type: "partial", Role: role, Text: text}
	if err := c.bcast.Broadcast(ctx, sessionID, msg); err != nil {
		slog.Debug("partial broadcast failed",
			"session_id", sessionID,
			"role", role,
			"err", err,
		)
	}
}

// admit routes the turn through the session's deduper. On admission the
// turn's fingerprint is backfilled with the (possibly synthesized) admitted
// identifier, so an unfingerprinted turn still persists under a unique
// identity instead of colliding with the next one.
func (c *Coordinator) admit(sessionID string, turn *store.Turn) (transcript.Verdict, bool) {
	ev := transcript.Event{
		Role:          transcript.Role(turn.Role),
		Text:          turn.Text,
		IsFinal:       true,
		StartedAtMs:   turn.StartedAtMs,
		EmittedAtMs:   turn.EmittedAtMs,
		FinalizedAtMs: turn.FinalizedAtMs,
		Source:        transcript.Source(turn.Source),
		Identifier:    turn.Fingerprint,
	}
	if ev.FinalizedAtMs == 0 && ev.EmittedAtMs == 0 {
		// Without timings the window comparison needs a reference point;
		// receipt time is the best one available.
		ev.EmittedAtMs = turn.SpokenAt.UnixMilli()
	}

	verdict := c.deduperFor(sessionID).Admit(ev)
	if verdict.Admitted && turn.Fingerprint == "" {
		turn.Fingerprint = verdict.Identifier
	}
	return verdict, verdict.Admitted
}

// deduperFor returns the session's deduper, creating it on first use and
// evicting sessions idle past [dedupIdleTTL].
func (c *Coordinator) deduperFor(sessionID string) *transcript.Deduper {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, sd := range c.dedupers {
		if id != sessionID && now.Sub(sd.lastSeen) > dedupIdleTTL {
			delete(c.dedupers, id)
		}
	}

	sd := c.dedupers[sessionID]
	if sd == nil {
		sd = &sessionDedup{d: transcript.NewDeduper(c.clock)}
		c.dedupers[sessionID] = sd
	}
	sd.lastSeen = now
	return sd.d
}

// Deliver implements the session package's relay sink: it converts an
// admitted final transcript event into a turn and relays it.
func (c *Coordinator) Deliver(ctx context.Context, sessionID string, ev transcript.Event) {
	if sessionID == "" {
		slog.Warn("dropping relay delivery without session id", "role", ev.Role)
		return
	}
	spokenAt := time.Now().UTC()
	if ev.FinalizedAtMs > 0 {
		spokenAt = time.UnixMilli(ev.FinalizedAtMs).UTC()
	}
	c.Relay(ctx, sessionID, store.Turn{
		Role:          string(ev.Role),
		Text:          ev.Text,
		Source:        string(ev.Source),
		Fingerprint:   ev.Identifier,
		SpokenAt:      spokenAt,
		StartedAtMs:   ev.StartedAtMs,
		EmittedAtMs:   ev.EmittedAtMs,
		FinalizedAtMs: ev.FinalizedAtMs,
	})
}

// turnTimings converts a turn's timing fields for the wire, or nil when the
// sender reported none.
func turnTimings(turn store.Turn) *Timings {
	if turn.StartedAtMs == 0 && turn.EmittedAtMs == 0 && turn.FinalizedAtMs == 0 {
		return nil
	}
	return &Timings{
		StartedAtMs:   turn.StartedAtMs,
		EmittedAtMs:   turn.EmittedAtMs,
		FinalizedAtMs: turn.FinalizedAtMs,
	}
}

func (c *Coordinator) recordFailure(leg string) {
	if c.metrics != nil {
		c.metrics.RecordRelayFailure(context.Background(), leg)
	}
}
