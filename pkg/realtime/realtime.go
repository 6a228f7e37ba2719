// Package realtime defines the adapter boundary between the conversation
// session subsystem and a realtime speech provider.
//
// Providers emit opaque wire payloads; the adapter for each provider parses
// them into the small tagged union defined here ([SpeechStarted], [Delta],
// [Finalized], [SessionCreated], [SessionAck], [Failure]) so the rest of the
// system operates on typed, validated values instead of ad hoc field probing.
//
// Implementations of [Provider] and [SessionHandle] must be safe for
// concurrent use.
package realtime

import "context"

// Speaker roles as they appear on provider wire events.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is the sealed union of provider events the session subsystem
// consumes. The concrete types are [SpeechStarted], [Delta], [Finalized],
// [SessionCreated], [SessionAck], and [Failure].
type Event interface {
	providerEvent()
}

// SpeechStarted marks the beginning of a new utterance for a role.
type SpeechStarted struct {
	Role   string
	ItemID string
}

// Delta is an incremental update for an in-progress utterance. Exactly one
// of FullText and Fragment is meaningful; FromAudio distinguishes the audio
// transcript feed from the plain text feed.
type Delta struct {
	Role      string
	ItemID    string
	Fragment  string
	FullText  string
	FromAudio bool
}

// Finalized marks an utterance as complete. Text may be empty, in which case
// the consumer falls back to its accumulated buffer.
type Finalized struct {
	Role   string
	ItemID string
	Text   string
}

// SessionCreated reports that the provider attached the connection to a
// conversation session. Reused is true when the provider reattached to a
// previous session instead of creating a fresh one.
type SessionCreated struct {
	SessionID string
	Reused    bool
}

// SessionAck acknowledges a session configuration update.
type SessionAck struct{}

// Failure is a non-fatal provider error event.
type Failure struct {
	Code    string
	Message string
}

func (SpeechStarted) providerEvent()  {}
func (Delta) providerEvent()          {}
func (Finalized) providerEvent()      {}
func (SessionCreated) providerEvent() {}
func (SessionAck) providerEvent()     {}
func (Failure) providerEvent()        {}

// SessionConfig carries everything a provider needs to open a session.
type SessionConfig struct {
	// SessionID is the backend conversation session to attach to.
	SessionID string

	// Token is the short-lived credential obtained from the token exchange.
	Token string

	// Instructions is the initial instruction payload for the simulated
	// patient.
	Instructions string

	// Voice selects the provider voice, if any.
	Voice string
}

// Provider negotiates realtime transport sessions.
type Provider interface {
	// Connect dials the provider and returns an open session handle.
	// The initial configuration has not been sent yet; callers send it via
	// [SessionHandle.UpdateInstructions] and then wait for a [SessionAck].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// SessionHandle is an open realtime transport session. The handle is the
// single writer for the underlying data channel; all sends go through it and
// callers must check [SessionHandle.Open] defensively before sending.
type SessionHandle interface {
	// Events returns the channel on which parsed provider events arrive.
	// The channel is closed when the session ends.
	Events() <-chan Event

	// UpdateInstructions pushes a session.update with the given instruction
	// payload onto the control channel.
	UpdateInstructions(instructions string) error

	// Open reports whether the data channel is usable for sends.
	Open() bool

	// Err returns the first error that terminated the session, if any.
	Err() error

	// Close terminates the session and releases resources. Idempotent.
	Close() error
}
