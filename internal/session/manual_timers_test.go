package session

import (
	"sync"
	"time"
)

// ManualTimers is a TimerFactory whose timers fire only when the test fires
// them explicitly.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu      sync.Mutex
	d       time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func newManualTimers() *manualTimers {
	return &manualTimers{}
}

func (m *manualTimers) Factory(d time.Duration, fn func()) Timer {
	t := &manualTimer{d: d, fn: fn}
	m.mu.Lock()
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// FireAll fires every armed timer with duration <= upTo, in arm order.
func (m *manualTimers) FireAll(upTo time.Duration) {
	m.mu.Lock()
	timers := make([]*manualTimer, len(m.timers))
	copy(timers, m.timers)
	m.mu.Unlock()

	for _, t := range timers {
		t.fire(upTo)
	}
}

// Armed returns the number of timers that are armed and not yet fired or
// stopped.
func (m *manualTimers) Armed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) fire(upTo time.Duration) {
	t.mu.Lock()
	if t.stopped || t.fired || t.d > upTo {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()
	fn()
}
