package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/internal/store"
	"github.com/oslerlabs/patientsim/internal/transcript"
)

// maxBodyBytes caps a relay request body.
const maxBodyBytes = 64 << 10

// epochMillis is a millisecond timestamp that unmarshals from either a JSON
// number or a numeric string, since clients disagree on which they send.
type epochMillis int64

func (e *epochMillis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*e = 0
			return nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*e = epochMillis(v)
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = epochMillis(v)
	return nil
}

// relayRequest is the JSON body for the relay endpoint. isFinal defaults to
// true when absent; itemId supplies the fingerprint when no explicit
// fingerprint is sent. All timestamps accept epoch-ms numbers or numeric
// strings.
type relayRequest struct {
	SessionID   string      `json:"sessionId"`
	Role        string      `json:"role"`
	Text        string      `json:"text"`
	IsFinal     *bool       `json:"isFinal"`
	ItemID      string      `json:"itemId"`
	Timestamp   epochMillis `json:"timestamp"`
	StartedAt   epochMillis `json:"startedAt"`
	EmittedAt   epochMillis `json:"emittedAt"`
	FinalizedAt epochMillis `json:"finalizedAt"`
	Source      string      `json:"source"`
	Fingerprint string      `json:"fingerprint"`
}

// errorResponse is the JSON body for rejected relay requests.
type errorResponse struct {
	Error string `json:"error"`
}

// Handler serves the relay HTTP surface:
//
//	POST /api/relay                       — accept a final transcript
//	GET  /api/sessions/{sessionID}/listen — websocket transcript stream
type Handler struct {
	coord   *Coordinator
	hub     *Hub
	metrics *observe.Metrics
}

// NewHandler creates a Handler. hub may be nil when no listener endpoint is
// served.
func NewHandler(coord *Coordinator, hub *Hub, metrics *observe.Metrics) *Handler {
	return &Handler{coord: coord, hub: hub, metrics: metrics}
}

// Register installs the relay routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/relay", h.handleRelay)
	if h.hub != nil {
		mux.HandleFunc("GET /api/sessions/{sessionID}/listen", h.handleListen)
	}
}

// handleRelay validates the transcript and acknowledges receipt with 204.
// Broadcast and persistence continue in the background; their failures never
// reach the sender.
func (h *Handler) handleRelay(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.reject(w, "invalid_body")
		return
	}

	if req.SessionID == "" {
		h.reject(w, "missing_session_id")
		return
	}
	if !transcript.Role(req.Role).IsValid() {
		h.reject(w, "invalid_role")
		return
	}
	if req.Text == "" {
		h.reject(w, "invalid_text")
		return
	}

	if req.IsFinal != nil && !*req.IsFinal {
		// Non-final updates are display-only: broadcast, never persisted.
		go h.coord.Partial(context.Background(), req.SessionID, req.Role, req.Text)
		if h.metrics != nil {
			h.metrics.RecordRelayRequest(r.Context(), "accepted")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	spokenAt := time.Now().UTC()
	switch {
	case req.FinalizedAt > 0:
		spokenAt = time.UnixMilli(int64(req.FinalizedAt)).UTC()
	case req.EmittedAt > 0:
		spokenAt = time.UnixMilli(int64(req.EmittedAt)).UTC()
	case req.Timestamp > 0:
		spokenAt = time.UnixMilli(int64(req.Timestamp)).UTC()
	}
	source := req.Source
	if source == "" {
		source = string(transcript.SourceLive)
	}
	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = req.ItemID
	}

	turn := store.Turn{
		Role:          req.Role,
		Text:          req.Text,
		Source:        source,
		Fingerprint:   fingerprint,
		SpokenAt:      spokenAt,
		StartedAtMs:   int64(req.StartedAt),
		EmittedAtMs:   int64(req.EmittedAt),
		FinalizedAtMs: int64(req.FinalizedAt),
	}
	go h.coord.Relay(context.Background(), req.SessionID, turn)

	if h.metrics != nil {
		h.metrics.RecordRelayRequest(r.Context(), "accepted")
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListen upgrades to a websocket and streams the session transcript.
func (h *Handler) handleListen(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	if sessionID == "" {
		h.reject(w, "missing_session_id")
		return
	}
	h.hub.ServeListener(w, r, sessionID)
}

func (h *Handler) reject(w http.ResponseWriter, code string) {
	if h.metrics != nil {
		h.metrics.RecordRelayRequest(context.Background(), "rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: code})
}
