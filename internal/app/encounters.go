package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/oslerlabs/patientsim/internal/relay"
	"github.com/oslerlabs/patientsim/internal/session"
)

// maxEncounterBody caps an encounter control request body.
const maxEncounterBody = 256 << 10

// encounterHandler is the HTTP control surface for encounter conversations:
//
//	POST /api/encounters/{encounterID}/start
//	POST /api/encounters/{encounterID}/stop
//	POST /api/encounters/{encounterID}/instructions
//	GET  /api/encounters/{encounterID}
type encounterHandler struct {
	manager      *session.Manager
	hub          *relay.Hub
	defaultVoice string
}

func newEncounterHandler(manager *session.Manager, hub *relay.Hub, defaultVoice string) *encounterHandler {
	return &encounterHandler{manager: manager, hub: hub, defaultVoice: defaultVoice}
}

// Register installs the encounter routes on mux.
func (h *encounterHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/encounters/{encounterID}/start", h.handleStart)
	mux.HandleFunc("POST /api/encounters/{encounterID}/stop", h.handleStop)
	mux.HandleFunc("POST /api/encounters/{encounterID}/instructions", h.handleInstructions)
	mux.HandleFunc("GET /api/encounters/{encounterID}", h.handleStatus)
}

type startRequest struct {
	Instructions string   `json:"instructions"`
	Voice        string   `json:"voice"`
	Phase        string   `json:"phase"`
	Gates        []string `json:"gates"`
}

type instructionsRequest struct {
	Reason       string   `json:"reason"`
	Phase        string   `json:"phase"`
	ClearedGates []string `json:"clearedGates"`
}

type statusResponse struct {
	Status    session.Status `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
}

func (h *encounterHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	encounterID := r.PathValue("encounterID")

	var req startRequest
	body := http.MaxBytesReader(w, r.Body, maxEncounterBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if h.manager.Get(encounterID) != nil {
		writeError(w, http.StatusConflict, "conversation_exists")
		return
	}

	voice := req.Voice
	if voice == "" {
		voice = h.defaultVoice
	}

	bridge := &notifyBridge{hub: h.hub, encounterID: encounterID}
	conv, err := h.manager.Start(context.WithoutCancel(r.Context()), session.StartParams{
		EncounterID:  encounterID,
		Instructions: req.Instructions,
		Voice:        voice,
		Phase:        req.Phase,
		Gates:        req.Gates,
		Notify:       bridge.Notify,
	})
	if err != nil {
		writeError(w, http.StatusConflict, "conversation_exists")
		return
	}
	bridge.bind(conv)

	writeJSON(w, http.StatusAccepted, statusResponse{Status: conv.Status()})
}

func (h *encounterHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	encounterID := r.PathValue("encounterID")
	if err := h.manager.Dispose(encounterID); err != nil {
		writeError(w, http.StatusNotFound, "encounter_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *encounterHandler) handleInstructions(w http.ResponseWriter, r *http.Request) {
	encounterID := r.PathValue("encounterID")
	conv := h.manager.Get(encounterID)
	if conv == nil {
		writeError(w, http.StatusNotFound, "encounter_not_found")
		return
	}

	var req instructionsRequest
	body := http.MaxBytesReader(w, r.Body, maxEncounterBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	conv.RefreshInstructions(session.SyncRequest{
		Reason:       req.Reason,
		Phase:        req.Phase,
		ClearedGates: req.ClearedGates,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (h *encounterHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	encounterID := r.PathValue("encounterID")
	conv := h.manager.Get(encounterID)
	if conv == nil {
		writeError(w, http.StatusNotFound, "encounter_not_found")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    conv.Status(),
		Reason:    conv.Reason(),
		SessionID: conv.SessionID(),
	})
}

// ── Notification bridge ───────────────────────────────────────────────────────

// notifyBridge forwards conversation notifications to the relay hub so
// websocket listeners see transcripts, partials, and connection lifecycle
// events on the same stream. Events arriving before the backend session is
// created are keyed by encounter id.
type notifyBridge struct {
	hub         *relay.Hub
	encounterID string

	mu   sync.Mutex
	conv *session.Conversation
}

func (b *notifyBridge) bind(conv *session.Conversation) {
	b.mu.Lock()
	b.conv = conv
	b.mu.Unlock()
}

// Notify implements [session.Notifier].
func (b *notifyBridge) Notify(n session.Notification) {
	key := b.encounterID
	b.mu.Lock()
	conv := b.conv
	b.mu.Unlock()
	if conv != nil {
		if id := conv.SessionID(); id != "" {
			key = id
		}
	}

	msg := relay.Message{
		Type:      n.Type,
		Role:      string(n.Role),
		Text:      n.Text,
		IsFinal:   n.IsFinal,
		Timestamp: n.Timestamp,
		Step:      n.Step,
		Progress:  n.Progress,
		Reason:    n.Reason,
	}
	if n.Timings != nil {
		msg.Timings = &relay.Timings{
			StartedAtMs:   n.Timings.StartedAtMs,
			EmittedAtMs:   n.Timings.EmittedAtMs,
			FinalizedAtMs: n.Timings.FinalizedAtMs,
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = n.Timings.EmittedAtMs
		}
	}

	if err := b.hub.Broadcast(context.Background(), key, msg); err != nil {
		slog.Debug("notification broadcast failed", "encounter_id", b.encounterID, "err", err)
	}
}

// ── JSON helpers ──────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
