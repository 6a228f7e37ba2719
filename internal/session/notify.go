package session

import "github.com/oslerlabs/patientsim/internal/transcript"

// Notification kinds delivered to the external consumer (typically the UI
// bridge).
const (
	NotifyTranscript         = "transcript"
	NotifyPartial            = "partial"
	NotifyConnectionProgress = "connection-progress"
	NotifyVoiceReady         = "voice-ready"
	NotifyConnectionError    = "connection-error"
)

// Timings carries the three timing fields of a final transcript event.
type Timings struct {
	StartedAtMs   int64 `json:"startedAtMs,omitempty"`
	EmittedAtMs   int64 `json:"emittedAtMs"`
	FinalizedAtMs int64 `json:"finalizedAtMs,omitempty"`
}

// Notification is an event delivered to the external consumer. Only the
// fields relevant to Type are populated.
type Notification struct {
	Type string `json:"type"`

	// Transcript / partial fields.
	Role      transcript.Role `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	IsFinal   bool            `json:"isFinal,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Timings   *Timings        `json:"timings,omitempty"`

	// Connection progress fields.
	Step     string  `json:"step,omitempty"`
	Progress float64 `json:"progress,omitempty"`

	// Connection error reason (machine-readable).
	Reason string `json:"reason,omitempty"`
}

// Notifier receives consumer notifications. Implementations must not block;
// the session calls it from its event loop.
type Notifier func(Notification)

// nopNotifier discards notifications.
func nopNotifier(Notification) {}
