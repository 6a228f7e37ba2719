package session

import (
	"log/slog"
	"sync"
	"time"
)

// Default guard timing.
const (
	defaultSettleDelay = 1500 * time.Millisecond
	defaultMaxHold     = 10 * time.Second
)

// ReuseGuard suppresses the first assistant utterance after a connection
// reattaches to a previous session, so a stale or already-delivered response
// is not replayed to the student.
//
// The guard distinguishes "assistant spoke first because of stale replay"
// (suppress) from "assistant responded to fresh user input" (pass) by
// tracking whether the user has spoken since the guard was armed. It
// releases either after the first post-reuse assistant turn plus a short
// settle delay, on a genuinely new session, or when the bounded hold timer
// fires.
//
// Safe for concurrent use.
type ReuseGuard struct {
	timers      TimerFactory
	settleDelay time.Duration
	maxHold     time.Duration

	// muteAudio, when non-nil, mutes or unmutes the remote audio output.
	muteAudio func(muted bool)

	mu            sync.Mutex
	reused        bool
	dropNext      bool
	active        bool
	userHasSpoken bool
	holdTimer     Timer
	settleTimer   Timer
}

// ReuseGuardConfig configures a [ReuseGuard]. Zero-value durations get
// defaults; nil Timers means real timers.
type ReuseGuardConfig struct {
	Timers      TimerFactory
	SettleDelay time.Duration
	MaxHold     time.Duration
	MuteAudio   func(muted bool)
}

// NewReuseGuard creates an inactive guard.
func NewReuseGuard(cfg ReuseGuardConfig) *ReuseGuard {
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	hold := cfg.MaxHold
	if hold <= 0 {
		hold = defaultMaxHold
	}
	return &ReuseGuard{
		timers:      cfg.Timers.orStd(),
		settleDelay: settle,
		maxHold:     hold,
		muteAudio:   cfg.MuteAudio,
	}
}

// Activate arms the guard after session reuse is detected. The remote audio
// output is muted until release, and a bounded hold timer guarantees the
// guard cannot stick forever.
func (g *ReuseGuard) Activate() {
	g.mu.Lock()
	if g.active {
		g.mu.Unlock()
		return
	}
	g.reused = true
	g.dropNext = true
	g.active = true
	g.userHasSpoken = false
	g.holdTimer = g.timers(g.maxHold, g.holdExpired)
	mute := g.muteAudio
	g.mu.Unlock()

	if mute != nil {
		mute(true)
	}
	slog.Info("reuse guard armed")
}

// HandleNewSession fully resets guard state when a genuinely new session is
// created.
func (g *ReuseGuard) HandleNewSession() {
	g.release("new_session")
}

// OnUserSpeech records locally captured user speech. Once the user has
// spoken, the next assistant response is a genuine reply, not a stale
// replay, so the guard stops suppressing.
func (g *ReuseGuard) OnUserSpeech() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.userHasSpoken = true
	g.dropNext = false
	g.mu.Unlock()
}

// SuppressAssistantFinal reports whether the given assistant final should be
// suppressed. A true result consumes the drop: the settle timer is started
// and the guard releases shortly after.
func (g *ReuseGuard) SuppressAssistantFinal() bool {
	g.mu.Lock()
	if !g.active || !g.dropNext || g.userHasSpoken {
		g.mu.Unlock()
		return false
	}
	g.dropNext = false
	if g.settleTimer == nil {
		g.settleTimer = g.timers(g.settleDelay, g.settleExpired)
	}
	g.mu.Unlock()

	slog.Info("suppressed first assistant response after session reuse")
	return true
}

// Active reports whether the guard is currently armed.
func (g *ReuseGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *ReuseGuard) settleExpired() {
	g.release("settled")
}

func (g *ReuseGuard) holdExpired() {
	g.release("hold_expired")
}

// release deactivates the guard and restores audio output.
func (g *ReuseGuard) release(reason string) {
	g.mu.Lock()
	if !g.active && !g.reused {
		g.mu.Unlock()
		return
	}
	wasActive := g.active
	g.reused = false
	g.dropNext = false
	g.active = false
	g.userHasSpoken = false
	if g.holdTimer != nil {
		g.holdTimer.Stop()
		g.holdTimer = nil
	}
	if g.settleTimer != nil {
		g.settleTimer.Stop()
		g.settleTimer = nil
	}
	mute := g.muteAudio
	g.mu.Unlock()

	if mute != nil {
		mute(false)
	}
	if wasActive {
		slog.Info("reuse guard released", "reason", reason)
	}
}
