package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/oslerlabs/patientsim/internal/store"
)

const (
	// listenerBuffer is the per-listener outbound queue. A listener that
	// falls this far behind starts losing messages rather than stalling the
	// broadcast.
	listenerBuffer = 32

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second

	// defaultCatchupLimit caps how many stored turns are replayed to a
	// listener that attaches mid-conversation.
	defaultCatchupLimit = 100
)

// Hub fans transcript messages out to websocket listeners, grouped by
// session. A listener attaching mid-conversation first receives a replay of
// recent stored turns, marked with source "catchup".
//
// Safe for concurrent use.
type Hub struct {
	turns   store.TurnStore
	catchup int

	mu       sync.Mutex
	sessions map[string]map[*listener]struct{}
}

type listener struct {
	out chan []byte
}

// HubOption is a functional option for configuring a Hub.
type HubOption func(*Hub)

// WithCatchupLimit overrides how many stored turns are replayed to a newly
// attached listener.
func WithCatchupLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.catchup = n
		}
	}
}

// NewHub creates a Hub. turns may be nil, in which case listeners get no
// catch-up replay.
func NewHub(turns store.TurnStore, opts ...HubOption) *Hub {
	h := &Hub{
		turns:    turns,
		catchup:  defaultCatchupLimit,
		sessions: make(map[string]map[*listener]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Broadcast implements [Broadcaster]. Listeners with full queues are
// skipped; the message is not redelivered to them.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay hub: marshal message: %w", err)
	}

	h.mu.Lock()
	targets := make([]*listener, 0, len(h.sessions[sessionID]))
	for l := range h.sessions[sessionID] {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	dropped := 0
	for _, l := range targets {
		select {
		case l.out <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("relay hub dropped message for slow listeners",
			"session_id", sessionID,
			"dropped", dropped,
			"listeners", len(targets),
		)
	}
	return nil
}

// Listeners returns the number of attached listeners for a session.
func (h *Hub) Listeners(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// ServeListener upgrades the request to a websocket and streams transcript
// messages for the session until the client disconnects.
func (h *Hub) ServeListener(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement happens at the edge
	})
	if err != nil {
		slog.Warn("relay hub: websocket accept failed", "session_id", sessionID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l := &listener{out: make(chan []byte, listenerBuffer)}
	h.attach(sessionID, l)
	defer h.detach(sessionID, l)

	slog.Info("relay listener attached", "session_id", sessionID)

	if err := h.replay(r.Context(), conn, sessionID); err != nil {
		slog.Warn("relay hub: catch-up replay failed", "session_id", sessionID, "err", err)
		// The live stream still works; the listener just missed history.
	}

	// The stream is write-only; CloseRead reads control frames and cancels
	// the context when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-l.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Info("relay listener detached", "session_id", sessionID, "err", err)
				return
			}
		}
	}
}

// replay sends recent stored turns to a freshly attached listener, oldest
// first, marked as catch-up so the client can de-duplicate against what it
// already rendered.
func (h *Hub) replay(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	if h.turns == nil {
		return nil
	}
	turns, err := h.turns.RecentTurns(ctx, sessionID, h.catchup)
	if err != nil {
		return fmt.Errorf("load recent turns: %w", err)
	}

	for _, t := range turns {
		msg := Message{
			Type:        "transcript",
			Role:        t.Role,
			Text:        t.Text,
			Timestamp:   t.SpokenAt.UnixMilli(),
			Source:      "catchup",
			IsFinal:     true,
			Fingerprint: t.Fingerprint,
			Timings:     turnTimings(t),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write turn: %w", err)
		}
	}
	if len(turns) > 0 {
		slog.Debug("relay catch-up replay complete", "session_id", sessionID, "turns", len(turns))
	}
	return nil
}

func (h *Hub) attach(sessionID string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*listener]struct{})
	}
	h.sessions[sessionID][l] = struct{}{}
}

func (h *Hub) detach(sessionID string, l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions[sessionID], l)
	if len(h.sessions[sessionID]) == 0 {
		delete(h.sessions, sessionID)
	}
}
