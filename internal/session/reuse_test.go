package session

import (
	"sync"
	"testing"
)

type muteRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *muteRecorder) set(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, muted)
}

func (r *muteRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestReuseGuardSuppressesFirstAssistantFinal(t *testing.T) {
	timers := newManualTimers()
	mute := &muteRecorder{}
	g := NewReuseGuard(ReuseGuardConfig{Timers: timers.Factory, MuteAudio: mute.set})

	g.Activate()
	if !g.Active() {
		t.Fatal("guard not active after Activate")
	}
	if got := mute.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("mute calls = %v, want [true]", got)
	}

	// First assistant final before any user speech: stale replay, drop it.
	if !g.SuppressAssistantFinal() {
		t.Fatal("first assistant final was not suppressed")
	}

	// A second final during the settle window is a genuine response.
	if g.SuppressAssistantFinal() {
		t.Error("second assistant final was suppressed")
	}

	// Settle timer releases the guard and restores audio.
	timers.FireAll(defaultSettleDelay)
	if g.Active() {
		t.Error("guard still active after settle")
	}
	if got := mute.snapshot(); len(got) != 2 || got[1] {
		t.Errorf("mute calls = %v, want [true false]", got)
	}
}

func TestReuseGuardPassesAfterUserSpeech(t *testing.T) {
	timers := newManualTimers()
	g := NewReuseGuard(ReuseGuardConfig{Timers: timers.Factory})

	g.Activate()
	g.OnUserSpeech()

	// The user spoke first, so the assistant is replying, not replaying.
	if g.SuppressAssistantFinal() {
		t.Error("assistant reply to fresh user speech was suppressed")
	}
}

func TestReuseGuardHoldTimerBoundsSuppression(t *testing.T) {
	timers := newManualTimers()
	mute := &muteRecorder{}
	g := NewReuseGuard(ReuseGuardConfig{Timers: timers.Factory, MuteAudio: mute.set})

	g.Activate()

	// Nothing happens for the whole hold window.
	timers.FireAll(defaultMaxHold)
	if g.Active() {
		t.Error("guard still active after hold expiry")
	}
	if got := mute.snapshot(); len(got) != 2 || got[1] {
		t.Errorf("mute calls = %v, want unmuted after hold expiry", got)
	}

	// After release nothing is suppressed.
	if g.SuppressAssistantFinal() {
		t.Error("released guard suppressed an assistant final")
	}
}

func TestReuseGuardNewSessionResets(t *testing.T) {
	timers := newManualTimers()
	g := NewReuseGuard(ReuseGuardConfig{Timers: timers.Factory})

	g.Activate()
	g.HandleNewSession()

	if g.Active() {
		t.Error("guard active after new session")
	}
	if g.SuppressAssistantFinal() {
		t.Error("guard suppressed after new-session reset")
	}
}

func TestReuseGuardActivateIdempotent(t *testing.T) {
	timers := newManualTimers()
	mute := &muteRecorder{}
	g := NewReuseGuard(ReuseGuardConfig{Timers: timers.Factory, MuteAudio: mute.set})

	g.Activate()
	g.Activate()

	if got := mute.snapshot(); len(got) != 1 {
		t.Errorf("mute calls = %v, want a single mute", got)
	}
	if timers.Armed() != 1 {
		t.Errorf("armed timers = %d, want 1 hold timer", timers.Armed())
	}
}

func TestReuseGuardInactiveByDefault(t *testing.T) {
	g := NewReuseGuard(ReuseGuardConfig{Timers: newManualTimers().Factory})
	if g.Active() {
		t.Error("guard active before Activate")
	}
	if g.SuppressAssistantFinal() {
		t.Error("inactive guard suppressed an assistant final")
	}
}
