// Package resilience provides the circuit breaker guarding calls to the
// encounter backend.
//
// [Breaker] is a three-state breaker (closed → open → half-open): after a
// run of consecutive failures it rejects calls outright instead of letting
// every conversation handshake stall on a dead backend, then probes with a
// bounded number of calls once the cooldown elapses.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] when the breaker is open and
// the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("breaker open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBreakerOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker; a single failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// Threshold is the run of consecutive failures that opens the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many half-open calls may run before the breaker
	// decides. Default: 3.
	ProbeBudget int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	probeBudget int
	now         func() time.Time

	mu         sync.Mutex
	state      State
	strikes    int
	openedAt   time.Time
	probesSent int
	probesOK   int
}

// NewBreaker creates a [Breaker] with the supplied configuration.
// Zero-value config fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:        cfg.Name,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		now:         time.Now,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns
// [ErrBreakerOpen] without calling fn; in the half-open state only calls
// within the probe budget run.
func (b *Breaker) Do(fn func() error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	b.settle(probing, err)
	return err
}

// admit decides whether a call may proceed, transitioning open → half-open
// when the cooldown has elapsed. The returned bool reports whether the call
// counts as a half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probesSent = 0
		b.probesOK = 0
		slog.Info("breaker half-open, probing", "name", b.name)

	case StateHalfOpen:
		if b.probesSent >= b.probeBudget {
			return false, ErrBreakerOpen
		}
	}

	if b.state == StateHalfOpen {
		b.probesSent++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of a call admitted by admit.
func (b *Breaker) settle(probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.openedAt = b.now()
		if probing {
			// One failed probe is enough evidence the backend is still down.
			b.state = StateOpen
			b.strikes = b.threshold
			slog.Warn("breaker re-opened by failed probe", "name", b.name)
			return
		}
		b.strikes++
		if b.strikes >= b.threshold {
			b.state = StateOpen
			slog.Warn("breaker opened", "name", b.name, "strikes", b.strikes)
		}
		return
	}

	if probing {
		b.probesOK++
		if b.probesOK >= b.probeBudget {
			b.state = StateClosed
			b.strikes = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.strikes = 0
}

// State returns the breaker's current [State]. When the breaker is open and
// the cooldown has elapsed it reports [StateHalfOpen]; the actual transition
// happens on the next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.strikes = 0
	b.probesSent = 0
	b.probesOK = 0
	slog.Info("breaker manually reset", "name", b.name)
}
