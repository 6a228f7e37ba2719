// Package transcript turns the noisy, partially-ordered stream of speech and
// text events produced by a realtime provider into a single, correctly
// ordered, de-duplicated transcript.
//
// The package is built from three cooperating pieces:
//
//   - [EventBuffer]: stamps incoming delta/finalize callbacks with their
//     wall-clock arrival time and replays them in order, absorbing the small
//     jitter live events exhibit relative to their logical order.
//
//   - [Channel] (one per speaker role): owns the in-progress utterance buffer
//     for that speaker, merges incremental deltas using overlap merging, and
//     emits partial and final [Event] values with timing metadata.
//
//   - [Deduper]: decides whether a finalized candidate duplicates an event
//     that was already admitted, using identifier match, last-final text
//     match, and windowed text matching with a widened window for catchup
//     replay.
//
// Nothing in this package performs I/O. All time is read through an injected
// [Clock] so tests run deterministically.
package transcript

import "time"

// Role identifies which speaker produced a transcript event.
type Role string

const (
	// RoleUser is the student speaking or typing to the simulated patient.
	RoleUser Role = "user"

	// RoleAssistant is the AI-simulated patient.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Source describes which delivery path produced a transcript event.
type Source string

const (
	// SourceLive marks events from the live streaming path.
	SourceLive Source = "live"

	// SourceCatchup marks events replayed after a reconnect to backfill
	// anything missed during the outage.
	SourceCatchup Source = "catchup"
)

// Event is a transcript event emitted to the consumer. Partial events carry
// only Role, Text, and EmittedAtMs; final events additionally carry
// FinalizedAtMs and an Identifier.
//
// Timestamps are epoch milliseconds; zero means unknown/not applicable.
// FinalizedAtMs is set if and only if IsFinal is true.
type Event struct {
	Role    Role
	Text    string
	IsFinal bool

	// StartedAtMs is the first timestamp observed for the utterance this
	// event belongs to. It is never overwritten mid-utterance, so a
	// downstream consumer can order user/assistant turns by who started
	// speaking first.
	StartedAtMs int64

	// EmittedAtMs is when this event was produced.
	EmittedAtMs int64

	// FinalizedAtMs is when the utterance was finalized. Zero on partials.
	FinalizedAtMs int64

	// Source is the delivery path this event arrived on.
	Source Source

	// Identifier is the provider's item/turn identifier, or empty when the
	// provider did not supply one.
	Identifier string
}

// DeltaPayload is an incremental update for an in-progress utterance,
// produced by the provider adapter (see pkg/realtime).
//
// Exactly one of FullText and Fragment is meaningful: when FullText is
// non-empty it is an authoritative snapshot that replaces the utterance
// buffer outright; otherwise Fragment is merged onto the existing buffer.
type DeltaPayload struct {
	// FullText is a complete snapshot of the utterance so far.
	FullText string

	// Fragment is an incremental piece of the utterance, possibly
	// overlapping text that was already delivered.
	Fragment string

	// ItemID is the provider's item/turn identifier, if any.
	ItemID string

	// FromAudio marks deltas derived from the audio transcript feed rather
	// than the plain text feed. The assistant channel suppresses these for
	// the remainder of a turn once a text delta has been seen, so the two
	// representations of one utterance never interleave.
	FromAudio bool
}

// FinalizePayload marks an utterance as complete.
type FinalizePayload struct {
	// Text is the provider's full final text. When empty, the channel's
	// accumulated buffer is used instead.
	Text string

	// ItemID is the provider's item/turn identifier, if any.
	ItemID string
}

// Clock supplies the current time. Production code passes nil to constructors
// (meaning [time.Now]); tests inject a fake to make windows deterministic.
type Clock func() time.Time

// orSystem returns c, or time.Now when c is nil.
func (c Clock) orSystem() Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// nowMs returns the clock's current time as epoch milliseconds.
func (c Clock) nowMs() int64 {
	return c().UnixMilli()
}
