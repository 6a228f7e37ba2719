// Package session coordinates the lifecycle of one realtime conversation
// with the simulated patient: the connection handshake, transcript routing
// and de-duplication, instruction synchronization, and the session-reuse
// guard.
//
// The concurrency model is event-driven: all state mutation happens in
// reaction to discrete events (provider messages, timer fires, caller
// requests) serialized behind each component's mutex, never on long-lived
// worker threads. Asynchronous continuations carry the operation epoch they
// were started under and become inert when they resume into a newer epoch —
// cancellation is never forced mid-flight.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oslerlabs/patientsim/internal/transcript"
	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// Status is the user-visible connection state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
)

// Default handshake tuning.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultSoftAckWait = 2500 * time.Millisecond
	defaultHardAckWait = 4 * time.Second
)

// SessionInfo describes the backend conversation session a connection is
// attached to.
type SessionInfo struct {
	// ID is the backend session identifier.
	ID string

	// Reused is true when the backend reattached this connection to a
	// previous session instead of creating a fresh one.
	Reused bool
}

// MediaSource acquires the local audio input. The returned release function
// must be called when the connection ends.
type MediaSource interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// SessionService is the backend collaborator that owns conversation
// sessions and short-lived provider credentials.
type SessionService interface {
	// Create creates a session for the encounter, or reuses a recent one.
	Create(ctx context.Context, encounterID string) (SessionInfo, error)

	// IssueToken exchanges the session for a short-lived provider token.
	IssueToken(ctx context.Context, sessionID string) (string, error)
}

// MachineConfig holds the collaborators and tuning for a [Machine].
type MachineConfig struct {
	Provider    realtime.Provider
	Media       MediaSource
	Sessions    SessionService
	EncounterID string

	// Instructions is the initial instruction payload sent once the
	// transport is negotiated.
	Instructions string

	// Voice selects the provider voice.
	Voice string

	// Notify receives connection-progress, voice-ready, and
	// connection-error notifications. May be nil.
	Notify Notifier

	// OnTransport is called (epoch-guarded) once the transport is
	// negotiated, with the open handle and session info. The caller starts
	// consuming handle events from here. May be nil.
	OnTransport func(h realtime.SessionHandle, info SessionInfo)

	// OnReuse is called (epoch-guarded) when session reuse is detected,
	// before any assistant output can reach the user. May be nil.
	OnReuse func()

	// OnNewSession is called (epoch-guarded) when a genuinely new session
	// is created, which fully resets any lingering reuse-guard state.
	// May be nil.
	OnNewSession func()

	// OnSessionReady is called (epoch-guarded) when the session becomes
	// ready, whether acknowledged or forced. May be nil.
	OnSessionReady func()

	// Clock and Timers are injectable for tests. Nil means real time.
	Clock  transcript.Clock
	Timers TimerFactory

	// MaxAttempts bounds transport negotiation retries. Default 3.
	MaxAttempts int

	// Backoff is the initial wait between transport retries; it doubles
	// per attempt. Default 500ms.
	Backoff time.Duration

	// SoftAckWait is how long to wait for the configuration acknowledgement
	// before emitting a diagnostic. Default 2.5s.
	SoftAckWait time.Duration

	// HardAckWait is how long to wait before forcing session readiness.
	// Default 4s.
	HardAckWait time.Duration
}

// Machine drives the connection handshake for one conversation:
//
//	idle → connecting → connected → {error, idle}
//
// with an independent session-readiness sub-state: no session →
// awaiting-ack → ready → fully-ready.
//
// Every asynchronous continuation checks that its operation epoch is still
// current before mutating shared state; starting or stopping a connection
// bumps the epoch, which is the sole cancellation primitive.
//
// Safe for concurrent use.
type Machine struct {
	cfg    MachineConfig
	notify Notifier
	timers TimerFactory

	mu           sync.Mutex
	status       Status
	epoch        uint64
	awaitingAck  bool
	sessionReady bool
	fullyReady   bool
	info         SessionInfo
	handle       realtime.SessionHandle
	releaseMedia func()
	softTimer    Timer
	hardTimer    Timer
	lastReason   string
}

// NewMachine creates a connection state machine in the idle state.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.SoftAckWait <= 0 {
		cfg.SoftAckWait = defaultSoftAckWait
	}
	if cfg.HardAckWait <= 0 {
		cfg.HardAckWait = defaultHardAckWait
	}
	notify := cfg.Notify
	if notify == nil {
		notify = nopNotifier
	}
	return &Machine{
		cfg:    cfg,
		notify: notify,
		timers: cfg.Timers.orStd(),
		status: StatusIdle,
	}
}

// Status returns the user-visible connection state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SessionReady reports whether the session-readiness sub-state has reached
// ready (acknowledged or forced).
func (m *Machine) SessionReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionReady
}

// FullyReady reports whether the connection has reached full readiness.
func (m *Machine) FullyReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fullyReady
}

// Reason returns the machine-readable reason for the last terminal error,
// or empty.
func (m *Machine) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReason
}

// Handle returns the current transport handle, or nil while disconnected.
func (m *Machine) Handle() realtime.SessionHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Info returns the backend session info for the current connection.
func (m *Machine) Info() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Connect starts a new connection attempt. Any in-flight attempt is
// invalidated: its continuations observe a stale epoch and become inert.
// The handshake itself runs in a background goroutine; progress is reported
// through the Notifier.
func (m *Machine) Connect(ctx context.Context) {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.status = StatusConnecting
	m.awaitingAck = false
	m.sessionReady = false
	m.fullyReady = false
	m.lastReason = ""
	m.stopTimersLocked()
	m.mu.Unlock()

	go m.handshake(ctx, epoch)
}

// Stop tears down the current connection and invalidates all in-flight
// continuations. The machine returns to idle.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.epoch++
	m.status = StatusIdle
	m.awaitingAck = false
	m.sessionReady = false
	m.fullyReady = false
	m.info = SessionInfo{}
	m.stopTimersLocked()
	handle := m.handle
	release := m.releaseMedia
	m.handle = nil
	m.releaseMedia = nil
	m.mu.Unlock()

	if handle != nil {
		_ = handle.Close()
	}
	if release != nil {
		release()
	}
}

// current reports whether epoch is still the newest operation.
func (m *Machine) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

// handshake runs the connection sequence: microphone → session → token →
// transport → configure → await acknowledgement. Every step re-checks the
// epoch on resumption.
func (m *Machine) handshake(ctx context.Context, epoch uint64) {
	// 1. Acquire microphone.
	m.progress(epoch, "microphone", 0.15)
	release, err := m.cfg.Media.Acquire(ctx)
	if err != nil {
		m.fail(epoch, "microphone_unavailable", err)
		return
	}
	if !m.current(epoch) {
		release()
		return
	}
	m.mu.Lock()
	m.releaseMedia = release
	m.mu.Unlock()

	// 2. Create or reuse the backend session.
	m.progress(epoch, "session", 0.35)
	info, err := m.cfg.Sessions.Create(ctx, m.cfg.EncounterID)
	if err != nil {
		m.fail(epoch, "session_create_failed", err)
		return
	}
	if !m.current(epoch) {
		return
	}
	m.mu.Lock()
	m.info = info
	m.mu.Unlock()
	if info.Reused {
		m.reuseDetected(epoch)
	} else if m.current(epoch) && m.cfg.OnNewSession != nil {
		m.cfg.OnNewSession()
	}

	// 3. Exchange credentials.
	m.progress(epoch, "token", 0.5)
	token, err := m.cfg.Sessions.IssueToken(ctx, info.ID)
	if err != nil {
		m.fail(epoch, "token_exchange_failed", err)
		return
	}
	if !m.current(epoch) {
		return
	}

	// 4. Negotiate transport, with bounded retries.
	m.progress(epoch, "transport", 0.7)
	handle, err := m.dialWithRetry(ctx, epoch, realtime.SessionConfig{
		SessionID:    info.ID,
		Token:        token,
		Instructions: m.cfg.Instructions,
		Voice:        m.cfg.Voice,
	})
	if err != nil {
		m.fail(epoch, "transport_failed", err)
		return
	}
	if handle == nil {
		// Stale epoch observed inside the retry loop.
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = handle.Close()
		return
	}
	m.handle = handle
	m.status = StatusConnected
	m.mu.Unlock()

	if m.cfg.OnTransport != nil {
		m.cfg.OnTransport(handle, info)
	}

	// 5. Send initial configuration and await acknowledgement. The timers
	// arm first: an acknowledgement can arrive before the configuration
	// send returns, and it must find awaitingAck already set.
	m.progress(epoch, "configure", 0.9)
	m.armAckTimers(epoch)
	if err := handle.UpdateInstructions(m.cfg.Instructions); err != nil {
		m.fail(epoch, "configure_failed", err)
		return
	}
}

// dialWithRetry negotiates the transport with short exponential backoff up
// to MaxAttempts. A nil handle with nil error means the epoch went stale.
func (m *Machine) dialWithRetry(ctx context.Context, epoch uint64, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	backoff := m.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if !m.current(epoch) {
			return nil, nil
		}

		handle, err := m.cfg.Provider.Connect(ctx, cfg)
		if err == nil {
			return handle, nil
		}
		lastErr = err

		slog.Warn("transport negotiation failed",
			"encounter_id", m.cfg.EncounterID,
			"attempt", attempt,
			"max_attempts", m.cfg.MaxAttempts,
			"err", err,
		)

		if attempt == m.cfg.MaxAttempts {
			break
		}
		waited := make(chan struct{})
		t := m.timers(backoff, func() { close(waited) })
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-waited:
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("transport failed after %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

// armAckTimers starts the two-tier acknowledgement wait: a soft diagnostic
// and a hard forced-ready deadline. Both cancel on acknowledgement.
func (m *Machine) armAckTimers(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.awaitingAck = true
	m.softTimer = m.timers(m.cfg.SoftAckWait, func() { m.softAckExpired(epoch) })
	m.hardTimer = m.timers(m.cfg.HardAckWait, func() { m.hardAckExpired(epoch) })
	m.mu.Unlock()
}

// softAckExpired emits a diagnostic and keeps waiting.
func (m *Machine) softAckExpired(epoch uint64) {
	m.mu.Lock()
	stale := m.epoch != epoch || !m.awaitingAck
	m.mu.Unlock()
	if stale {
		return
	}
	slog.Warn("session acknowledgement slow",
		"encounter_id", m.cfg.EncounterID,
		"waited", m.cfg.SoftAckWait,
	)
	m.progress(epoch, "awaiting-ack", 0.95)
}

// hardAckExpired forces session readiness so a merely slow acknowledgement
// cannot leave the UI unresponsive. If the transport is otherwise healthy
// and full readiness hasn't been reached, it is forced here too.
func (m *Machine) hardAckExpired(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || !m.awaitingAck {
		m.mu.Unlock()
		return
	}
	m.awaitingAck = false
	m.sessionReady = true
	forcedFull := false
	if !m.fullyReady && m.handle != nil && m.handle.Open() {
		m.fullyReady = true
		forcedFull = true
	}
	m.mu.Unlock()

	slog.Warn("session acknowledgement never arrived, forcing ready",
		"encounter_id", m.cfg.EncounterID,
		"waited", m.cfg.HardAckWait,
		"forced_fully_ready", forcedFull,
	)
	m.readyReached(epoch)
}

// HandleAck processes the provider's configuration acknowledgement.
func (m *Machine) HandleAck(epochHint uint64) {
	m.mu.Lock()
	if epochHint != 0 && m.epoch != epochHint {
		m.mu.Unlock()
		return
	}
	if !m.awaitingAck {
		m.mu.Unlock()
		return
	}
	epoch := m.epoch
	m.awaitingAck = false
	m.sessionReady = true
	m.fullyReady = true
	m.stopTimersLocked()
	m.mu.Unlock()

	m.readyReached(epoch)
}

// HandleSessionCreated processes the provider-side session.created event,
// which can also report reuse.
func (m *Machine) HandleSessionCreated(ev realtime.SessionCreated) {
	m.mu.Lock()
	epoch := m.epoch
	if ev.SessionID != "" {
		m.info.ID = ev.SessionID
	}
	if ev.Reused {
		m.info.Reused = true
	}
	m.mu.Unlock()

	if ev.Reused {
		m.reuseDetected(epoch)
	}
}

// Epoch returns the current operation epoch. Event routers capture it when
// a connection is established so provider events from a torn-down connection
// cannot act on a newer one.
func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Machine) readyReached(epoch uint64) {
	if !m.current(epoch) {
		return
	}
	if m.cfg.OnSessionReady != nil {
		m.cfg.OnSessionReady()
	}
	m.notify(Notification{Type: NotifyVoiceReady})
}

func (m *Machine) reuseDetected(epoch uint64) {
	if !m.current(epoch) {
		return
	}
	slog.Info("session reuse detected, arming guard", "encounter_id", m.cfg.EncounterID)
	if m.cfg.OnReuse != nil {
		m.cfg.OnReuse()
	}
}

// fail surfaces a terminal error status with a machine-readable reason.
// Stale epochs no-op: a cancelled attempt failing late is a normal outcome,
// not a fault.
func (m *Machine) fail(epoch uint64, reason string, err error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.status = StatusError
	m.lastReason = reason
	m.stopTimersLocked()
	handle := m.handle
	release := m.releaseMedia
	m.handle = nil
	m.releaseMedia = nil
	m.mu.Unlock()

	slog.Error("connection failed",
		"encounter_id", m.cfg.EncounterID,
		"reason", reason,
		"err", err,
	)
	if handle != nil {
		_ = handle.Close()
	}
	if release != nil {
		release()
	}
	m.notify(Notification{Type: NotifyConnectionError, Reason: reason})
}

// progress emits a connection-progress notification if epoch is current.
func (m *Machine) progress(epoch uint64, step string, fraction float64) {
	if !m.current(epoch) {
		return
	}
	m.notify(Notification{Type: NotifyConnectionProgress, Step: step, Progress: fraction})
}

func (m *Machine) stopTimersLocked() {
	if m.softTimer != nil {
		m.softTimer.Stop()
		m.softTimer = nil
	}
	if m.hardTimer != nil {
		m.hardTimer.Stop()
		m.hardTimer = nil
	}
}
