package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/internal/transcript"
	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// RelaySink receives admitted final transcript events for broadcast and
// persistence when the session runs in backend-relay mode. Implementations
// must be best-effort: a sink failure never affects the conversation.
type RelaySink interface {
	Deliver(ctx context.Context, sessionID string, ev transcript.Event)
}

// Config holds the collaborators for a [Conversation].
type Config struct {
	EncounterID string

	Provider realtime.Provider
	Media    MediaSource
	Sessions SessionService

	// Composer builds instruction payloads; Phase and Gates seed the
	// encounter state.
	Composer Composer
	Phase    string
	Gates    []string

	// Instructions is the initial instruction payload.
	Instructions string

	// Voice selects the provider voice.
	Voice string

	// Notify receives all consumer notifications. May be nil.
	Notify Notifier

	// Relay, when non-nil, receives admitted finals for broadcast and
	// persistence.
	Relay RelaySink

	// MuteAudio, when non-nil, is used by the reuse guard to mute remote
	// audio output.
	MuteAudio func(muted bool)

	// Metrics records observability counters. May be nil.
	Metrics *observe.Metrics

	// Clock and Timers are injectable for tests.
	Clock  transcript.Clock
	Timers TimerFactory

	// Handshake tuning passed through to the connection machine.
	MaxAttempts int
	Backoff     time.Duration
	SoftAckWait time.Duration
	HardAckWait time.Duration

	// Reuse guard tuning.
	SettleDelay time.Duration
	MaxHold     time.Duration
}

// Conversation is one realtime conversation instance: two transcript
// channels, the de-duplication coordinator, the connection state machine,
// the instruction syncer, and the session-reuse guard, wired together.
//
// All cross-component communication is by explicit method call; each
// component owns its state exclusively.
type Conversation struct {
	cfg     Config
	notify  Notifier
	metrics *observe.Metrics
	clock   transcript.Clock

	machine *Machine
	guard   *ReuseGuard
	syncer  *Syncer
	dedup   *transcript.Deduper

	userCh  *transcript.Channel
	asstCh  *transcript.Channel
	userBuf *transcript.EventBuffer
	asstBuf *transcript.EventBuffer
}

// New creates a Conversation ready to Start.
func New(cfg Config) *Conversation {
	notify := cfg.Notify
	if notify == nil {
		notify = nopNotifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &Conversation{
		cfg:     cfg,
		notify:  notify,
		metrics: cfg.Metrics,
		clock:   clock,
	}

	c.dedup = transcript.NewDeduper(clock)
	c.userCh = transcript.NewChannel(transcript.RoleUser, clock, c.onChannelEvent)
	c.asstCh = transcript.NewChannel(transcript.RoleAssistant, clock, c.onChannelEvent)
	c.userBuf = transcript.NewEventBuffer(clock)
	c.asstBuf = transcript.NewEventBuffer(clock)

	c.guard = NewReuseGuard(ReuseGuardConfig{
		Timers:      cfg.Timers,
		SettleDelay: cfg.SettleDelay,
		MaxHold:     cfg.MaxHold,
		MuteAudio:   cfg.MuteAudio,
	})

	c.syncer = NewSyncer(cfg.Composer, cfg.Phase, cfg.Gates)

	c.machine = NewMachine(MachineConfig{
		Provider:     cfg.Provider,
		Media:        cfg.Media,
		Sessions:     cfg.Sessions,
		EncounterID:  cfg.EncounterID,
		Instructions: cfg.Instructions,
		Voice:        cfg.Voice,
		Notify:       notify,
		OnTransport:  c.onTransport,
		OnReuse:      c.guard.Activate,
		OnNewSession: c.guard.HandleNewSession,
		OnSessionReady: func() {
			c.syncer.SetReady(c.machine.Handle())
		},
		Clock:       cfg.Clock,
		Timers:      cfg.Timers,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		SoftAckWait: cfg.SoftAckWait,
		HardAckWait: cfg.HardAckWait,
	})

	return c
}

// Start begins the connection handshake. Restarting while a handshake is in
// flight invalidates it.
func (c *Conversation) Start(ctx context.Context) {
	if c.metrics != nil {
		c.metrics.AddActiveConversations(context.Background(), 1)
	}
	c.machine.Connect(ctx)
}

// Stop tears down the connection and resets per-connection transcript
// state. The dedup window survives a stop/start cycle so a reconnect cannot
// resurface already-seen utterances.
func (c *Conversation) Stop() {
	c.machine.Stop()
	c.syncer.SetClosed()
	c.userCh.Reset()
	c.asstCh.Reset()
	if c.metrics != nil {
		c.metrics.AddActiveConversations(context.Background(), -1)
	}
}

// Dispose releases all session-scoped state, including dedup records.
func (c *Conversation) Dispose() {
	c.Stop()
	c.dedup.Reset()
}

// Status returns the user-visible connection status.
func (c *Conversation) Status() Status { return c.machine.Status() }

// Reason returns the machine-readable reason for the last terminal
// connection error.
func (c *Conversation) Reason() string { return c.machine.Reason() }

// SessionID returns the backend session identifier, or the empty string
// before session creation completes.
func (c *Conversation) SessionID() string { return c.machine.Info().ID }

// RefreshInstructions requests an instruction refresh; rapid repeats
// coalesce into the latest request.
func (c *Conversation) RefreshInstructions(req SyncRequest) {
	c.syncer.Refresh(req)
	if c.metrics != nil {
		c.metrics.RecordInstructionSync(context.Background(), "requested")
	}
}

// onTransport starts the provider event routing loop for a negotiated
// transport. epoch is captured so events from a torn-down connection become
// inert.
func (c *Conversation) onTransport(h realtime.SessionHandle, info SessionInfo) {
	epoch := c.machine.Epoch()
	go c.routeEvents(h, epoch)
}

// routeEvents is the per-connection event loop. Speech events are stamped
// into the per-role buffers; every event already queued on the provider
// channel joins the same batch, so one drain applies the whole burst sorted
// by arrival time. Lifecycle events dispatch directly to the machine.
func (c *Conversation) routeEvents(h realtime.SessionHandle, epoch uint64) {
	for ev := range h.Events() {
		if c.machine.Epoch() != epoch {
			return
		}
		c.enqueue(ev, epoch)

	coalesce:
		for {
			select {
			case next, ok := <-h.Events():
				if !ok {
					break coalesce
				}
				if c.machine.Epoch() != epoch {
					return
				}
				c.enqueue(next, epoch)
			default:
				break coalesce
			}
		}

		c.userBuf.Drain()
		c.asstBuf.Drain()
	}
}

// enqueue stamps a speech event into its role's buffer for the next drain,
// or dispatches a lifecycle event immediately.
func (c *Conversation) enqueue(ev realtime.Event, epoch uint64) {
	switch ev := ev.(type) {
	case realtime.SessionCreated:
		c.machine.HandleSessionCreated(ev)

	case realtime.SessionAck:
		c.machine.HandleAck(epoch)

	case realtime.SpeechStarted:
		ch, buf := c.route(ev.Role)
		if ch == nil {
			return
		}
		if ch == c.userCh {
			c.guard.OnUserSpeech()
		}
		buf.Push(ch.StartTurn)

	case realtime.Delta:
		ch, buf := c.route(ev.Role)
		if ch == nil {
			return
		}
		if ch == c.userCh {
			c.guard.OnUserSpeech()
		}
		payload := transcript.DeltaPayload{
			FullText:  ev.FullText,
			Fragment:  ev.Fragment,
			ItemID:    ev.ItemID,
			FromAudio: ev.FromAudio,
		}
		buf.Push(func() { ch.HandleDelta(payload) })

	case realtime.Finalized:
		ch, buf := c.route(ev.Role)
		if ch == nil {
			return
		}
		payload := transcript.FinalizePayload{Text: ev.Text, ItemID: ev.ItemID}
		buf.Push(func() { ch.Finalize(payload) })

	case realtime.Failure:
		// Non-fatal provider error: diagnostic only.
		slog.Warn("provider error event",
			"encounter_id", c.cfg.EncounterID,
			"code", ev.Code,
			"message", ev.Message,
		)
	}
}

// route maps a wire role onto the owning channel and buffer. Unknown roles
// are dropped.
func (c *Conversation) route(role string) (*transcript.Channel, *transcript.EventBuffer) {
	switch role {
	case realtime.RoleUser:
		return c.userCh, c.userBuf
	case realtime.RoleAssistant:
		return c.asstCh, c.asstBuf
	}
	slog.Warn("dropping event with unknown role", "role", role)
	return nil, nil
}

// onChannelEvent receives ordered partial/final candidates from the
// transcript channels. Partials pass straight through; finals run the reuse
// guard and the de-duplication coordinator before delivery.
func (c *Conversation) onChannelEvent(ev transcript.Event) {
	if !ev.IsFinal {
		c.notify(Notification{
			Type: NotifyPartial,
			Role: ev.Role,
			Text: ev.Text,
		})
		return
	}

	if ev.Role == transcript.RoleAssistant && c.guard.SuppressAssistantFinal() {
		if c.metrics != nil {
			c.metrics.RecordSuppressed(context.Background(), string(ev.Role), "reuse_guard")
		}
		return
	}

	verdict := c.dedup.Admit(ev)
	if !verdict.Admitted {
		slog.Debug("duplicate final suppressed",
			"role", ev.Role,
			"signal", verdict.Signal,
		)
		if c.metrics != nil {
			c.metrics.RecordSuppressed(context.Background(), string(ev.Role), verdict.Signal)
		}
		return
	}
	ev.Identifier = verdict.Identifier

	c.notify(Notification{
		Type:      NotifyTranscript,
		Role:      ev.Role,
		Text:      ev.Text,
		IsFinal:   true,
		Timestamp: ev.EmittedAtMs,
		Timings: &Timings{
			StartedAtMs:   ev.StartedAtMs,
			EmittedAtMs:   ev.EmittedAtMs,
			FinalizedAtMs: ev.FinalizedAtMs,
		},
	})
	if c.metrics != nil {
		c.metrics.RecordTranscriptEvent(context.Background(), string(ev.Role), string(ev.Source))
	}

	if c.cfg.Relay != nil {
		sessionID := c.machine.Info().ID
		go c.cfg.Relay.Deliver(context.Background(), sessionID, ev)
	}
}
