// Package mock provides in-memory mock implementations of the
// [realtime.Provider] and [realtime.SessionHandle] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	sess := mock.NewSession()
//	provider := &mock.Provider{ConnectResult: sess}
//	// ... drive the code under test ...
//	sess.Emit(realtime.SessionAck{})
package mock

import (
	"context"
	"sync"

	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// ─── Provider ─────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of one Provider.Connect invocation.
type ConnectCall struct {
	Config realtime.SessionConfig
}

// Provider is a mock implementation of [realtime.Provider].
// Set the exported Result/Error fields before use; inspect ConnectCalls
// after.
type Provider struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect when ConnectError is nil.
	ConnectResult realtime.SessionHandle

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// ConnectFunc, when non-nil, overrides ConnectResult/ConnectError
	// entirely. Useful for per-call behaviour (fail twice then succeed, or
	// block until the test releases it).
	ConnectFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error)

	// ConnectCalls records every Connect invocation in order.
	ConnectCalls []ConnectCall
}

// Connect implements [realtime.Provider].
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Config: cfg})
	fn := p.ConnectFunc
	res, errv := p.ConnectResult, p.ConnectError
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if errv != nil {
		return nil, errv
	}
	return res, nil
}

// Calls returns a snapshot of recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [realtime.SessionHandle].
// Tests feed provider events to the code under test via [Session.Emit] and
// inspect sent instruction payloads via [Session.Instructions].
type Session struct {
	mu sync.Mutex

	// UpdateError is returned by UpdateInstructions when non-nil.
	UpdateError error

	// ErrResult is returned by Err.
	ErrResult error

	// OpenResult is returned by Open. Defaults to true until Close is
	// called or SetOpen(false) is used.
	open bool

	events chan realtime.Event
	closed bool

	sentInstructions []string

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewSession creates a Session with a buffered event channel, open for
// sending.
func NewSession() *Session {
	return &Session{
		events: make(chan realtime.Event, 64),
		open:   true,
	}
}

// Emit delivers a provider event to the code under test.
func (s *Session) Emit(ev realtime.Event) {
	s.events <- ev
}

// Finish closes the event channel, simulating the provider ending the
// session.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// SetOpen overrides the Open result without closing the event channel.
func (s *Session) SetOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
}

// Instructions returns a snapshot of instruction payloads sent so far.
func (s *Session) Instructions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sentInstructions))
	copy(out, s.sentInstructions)
	return out
}

// Events implements [realtime.SessionHandle].
func (s *Session) Events() <-chan realtime.Event { return s.events }

// UpdateInstructions implements [realtime.SessionHandle].
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateError != nil {
		return s.UpdateError
	}
	s.sentInstructions = append(s.sentInstructions, instructions)
	return nil
}

// Open implements [realtime.SessionHandle].
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

// Err implements [realtime.SessionHandle].
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrResult
}

// Close implements [realtime.SessionHandle]. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.open = false
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
