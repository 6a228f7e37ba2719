package session

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// SyncRequest asks for the conversation instructions to be refreshed.
// Phase and ClearedGates are merged into the current encounter state before
// the payload is composed.
type SyncRequest struct {
	// Reason is a short label for logs ("phase-advance", "gate-cleared",
	// "manual", ...).
	Reason string

	// Phase, when non-empty, replaces the current encounter phase.
	Phase string

	// ClearedGates lists checklist gates the student has newly satisfied.
	ClearedGates []string
}

// Composer builds the instruction payload for the simulated patient from
// the current encounter state. Scenario content itself is an external
// collaborator; the session only cares about the composed string.
type Composer interface {
	Compose(phase string, outstandingGates []string) string
}

// ComposerFunc adapts a function to the [Composer] interface.
type ComposerFunc func(phase string, outstandingGates []string) string

// Compose implements [Composer].
func (f ComposerFunc) Compose(phase string, outstandingGates []string) string {
	return f(phase, outstandingGates)
}

// Syncer debounces and serializes instruction refreshes against the live
// connection.
//
// Requests arriving while the session is not ready, the channel is not
// open, or a sync is already in flight become the single pending request:
// last write wins, nothing is queued or dropped. When the channel later
// becomes ready the pending request drains automatically. A payload whose
// content signature matches the previous successful push is skipped rather
// than re-sent.
//
// Safe for concurrent use.
type Syncer struct {
	compose Composer

	mu       sync.Mutex
	handle   realtime.SessionHandle
	ready    bool
	inFlight bool
	pending  *SyncRequest

	phase       string
	outstanding map[string]bool
	lastSig     uint64
}

// NewSyncer creates a Syncer with the given composer and the initial set of
// outstanding gates.
func NewSyncer(compose Composer, phase string, gates []string) *Syncer {
	outstanding := make(map[string]bool, len(gates))
	for _, g := range gates {
		outstanding[g] = true
	}
	return &Syncer{
		compose:     compose,
		phase:       phase,
		outstanding: outstanding,
	}
}

// SetReady attaches the open handle once the session is ready and drains a
// pending request, if any.
func (s *Syncer) SetReady(h realtime.SessionHandle) {
	s.mu.Lock()
	s.handle = h
	s.ready = true
	s.mu.Unlock()

	s.drain()
}

// SetClosed detaches the handle; subsequent requests are held as pending.
func (s *Syncer) SetClosed() {
	s.mu.Lock()
	s.handle = nil
	s.ready = false
	s.lastSig = 0
	s.mu.Unlock()
}

// Refresh merges the request into encounter state and attempts to push an
// updated instruction payload. When a push cannot happen right now, the
// request supersedes any earlier pending one.
func (s *Syncer) Refresh(req SyncRequest) {
	s.mu.Lock()
	if req.Phase != "" {
		s.phase = req.Phase
	}
	for _, g := range req.ClearedGates {
		delete(s.outstanding, g)
	}

	if !s.ready || s.handle == nil || !s.handle.Open() || s.inFlight {
		s.pending = &req
		s.mu.Unlock()
		slog.Debug("instruction sync deferred",
			"reason", req.Reason,
			"ready", s.ready,
			"in_flight", s.inFlight,
		)
		return
	}

	s.startPushLocked(req.Reason)
}

// Pending reports whether a deferred request is waiting.
func (s *Syncer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// drain pushes the pending request if the channel allows it.
func (s *Syncer) drain() {
	s.mu.Lock()
	if s.pending == nil || !s.ready || s.handle == nil || !s.handle.Open() || s.inFlight {
		s.mu.Unlock()
		return
	}
	reason := s.pending.Reason
	s.pending = nil
	s.startPushLocked(reason)
}

// startPushLocked composes the payload and sends it on a fresh goroutine.
// Called with s.mu held; releases it.
func (s *Syncer) startPushLocked(reason string) {
	payload := s.compose.Compose(s.phase, s.outstandingLocked())
	sig := signature(payload, s.phase, s.outstandingLocked())
	if sig == s.lastSig {
		s.mu.Unlock()
		slog.Debug("instruction sync skipped, content unchanged", "reason", reason)
		return
	}
	s.inFlight = true
	handle := s.handle
	s.mu.Unlock()

	go func() {
		err := handle.UpdateInstructions(payload)

		s.mu.Lock()
		s.inFlight = false
		if err == nil {
			s.lastSig = sig
		}
		s.mu.Unlock()

		if err != nil {
			slog.Warn("instruction sync push failed", "reason", reason, "err", err)
		} else {
			slog.Info("instructions synchronized", "reason", reason)
		}
		s.drain()
	}()
}

// outstandingLocked returns the outstanding gates in stable order.
func (s *Syncer) outstandingLocked() []string {
	out := make([]string, 0, len(s.outstanding))
	for g := range s.outstanding {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// signature hashes the instruction content so identical payloads are not
// re-sent.
func signature(payload, phase string, outstanding []string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(payload))
	h.Write([]byte{0})
	h.Write([]byte(phase))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(outstanding, "\x00")))
	return h.Sum64()
}
