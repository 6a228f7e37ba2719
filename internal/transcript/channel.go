package transcript

import (
	"log/slog"
	"sync"
)

// Channel accumulates one speaker's utterance from a sequence of delta and
// finalize calls into a coherent stream of partial and final [Event] values.
//
// A Channel owns its state exclusively; the conversation session serializes
// all calls into it, and the internal mutex only guards against incidental
// cross-goroutine use (timer callbacks).
type Channel struct {
	role  Role
	clock Clock
	emit  func(Event)

	mu sync.Mutex

	// buffer is the in-progress utterance text.
	buffer string

	// lastFinalText is the normalized text of the most recent final emitted
	// by this channel.
	lastFinalText string

	// turnStartedAtMs is the first timestamp observed for the current
	// utterance. Zero between turns. Never overwritten mid-utterance.
	turnStartedAtMs int64

	// pendingFinalization is set once a finalize has been handled for the
	// current turn and cleared when the next turn starts. The user channel
	// refuses a second finalize while it is set.
	pendingFinalization bool

	// textDeltaSeen records that a plain text delta arrived this turn, which
	// suppresses audio-transcript deltas for the rest of the turn.
	textDeltaSeen bool
}

// NewChannel creates a Channel for role that delivers events through emit.
// A nil clock means [time.Now]. emit must be non-nil.
func NewChannel(role Role, clock Clock, emit func(Event)) *Channel {
	return &Channel{
		role:  role,
		clock: clock.orSystem(),
		emit:  emit,
	}
}

// Role returns the speaker role this channel owns.
func (c *Channel) Role() Role { return c.role }

// StartTurn begins a new utterance. The turn start timestamp is recorded
// once; calling StartTurn again before the turn finalizes is a no-op, so a
// provider that signals speech start repeatedly cannot shift the causal
// ordering timestamp.
func (c *Channel) StartTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTurnLocked()
}

func (c *Channel) startTurnLocked() {
	if c.turnStartedAtMs != 0 {
		return
	}
	c.turnStartedAtMs = c.clock.nowMs()
	c.buffer = ""
	c.pendingFinalization = false
	c.textDeltaSeen = false
}

// HandleDelta applies an incremental update to the in-progress utterance.
//
// A full-text snapshot replaces the buffer outright; a fragment is merged
// onto the buffer with overlap merging. A partial event is emitted only when
// the merged text actually changed.
//
// For the assistant channel, audio-transcript deltas are suppressed for the
// remainder of a turn once a plain text delta has been seen, preventing a
// garbled interleave of two representations of the same utterance.
func (c *Channel) HandleDelta(p DeltaPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.startTurnLocked()

	if c.role == RoleAssistant {
		if p.FromAudio && c.textDeltaSeen {
			slog.Debug("suppressing audio-transcript delta after text delta",
				"role", c.role,
				"item_id", p.ItemID,
			)
			return
		}
		if !p.FromAudio {
			c.textDeltaSeen = true
		}
	}

	before := c.buffer
	if p.FullText != "" {
		c.buffer = p.FullText
	} else {
		c.buffer = mergeFragment(c.buffer, p.Fragment)
	}
	if c.buffer == before {
		return
	}

	c.emit(Event{
		Role:        c.role,
		Text:        c.buffer,
		IsFinal:     false,
		StartedAtMs: c.turnStartedAtMs,
		EmittedAtMs: c.clock.nowMs(),
		Source:      SourceLive,
	})
}

// Finalize completes the current utterance and emits exactly one final event
// for it. The payload's full text is preferred; the accumulated buffer is the
// fallback. Text is normalized before emission.
//
// Two documented provider edge cases are handled without emitting:
//
//   - An empty final text is a diagnostic, not an error.
//   - A repeated finalize for the same turn: the user channel refuses any
//     second finalize while one is pending; both channels skip a finalize
//     whose text matches the previous final with no intervening content.
func (c *Channel) Finalize(p FinalizePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingFinalization && c.role == RoleUser {
		slog.Warn("duplicate finalize refused while one is pending",
			"role", c.role,
			"item_id", p.ItemID,
		)
		return
	}

	text := p.Text
	if text == "" {
		text = c.buffer
	}
	text = normalizeText(text)

	startedAt := c.turnStartedAtMs
	hadContent := c.buffer != ""

	// Turn is over regardless of what we emit.
	c.buffer = ""
	c.turnStartedAtMs = 0
	c.pendingFinalization = true
	c.textDeltaSeen = false

	if text == "" {
		slog.Debug("finalize with empty text, nothing to emit",
			"role", c.role,
			"item_id", p.ItemID,
		)
		return
	}

	if text == c.lastFinalText && !hadContent {
		slog.Debug("skipping re-finalization of identical final",
			"role", c.role,
			"item_id", p.ItemID,
		)
		return
	}
	c.lastFinalText = text

	now := c.clock.nowMs()
	c.emit(Event{
		Role:          c.role,
		Text:          text,
		IsFinal:       true,
		StartedAtMs:   startedAt,
		EmittedAtMs:   now,
		FinalizedAtMs: now,
		Source:        SourceLive,
		Identifier:    p.ItemID,
	})
}

// Reset clears all per-turn and per-session state, typically on session
// teardown or when a fresh connection replaces the current one.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = ""
	c.lastFinalText = ""
	c.turnStartedAtMs = 0
	c.pendingFinalization = false
	c.textDeltaSeen = false
}
