package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	storemock "github.com/oslerlabs/patientsim/internal/store/mock"
)

func newTestHandler(turns *storemock.TurnStore) *http.ServeMux {
	h := NewHandler(NewCoordinator(nil, turns, nil), nil, nil)
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func postRelay(t *testing.T, mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/relay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// waitInserted polls the mock store until a turn lands; the relay leg runs
// after the 204 is written.
func waitInserted(t *testing.T, turns *storemock.TurnStore, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(turns.Inserted(sessionID)) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d inserted turns", n)
}

func TestHandlerAcceptsValidTranscript(t *testing.T) {
	turns := &storemock.TurnStore{}
	mux := newTestHandler(turns)

	rec := postRelay(t, mux, `{
		"sessionId": "sess-1",
		"role": "user",
		"text": "I have chest pain",
		"timestamp": 1700000000000
	}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	waitInserted(t, turns, "sess-1", 1)
	turn := turns.Inserted("sess-1")[0]
	if turn.Text != "I have chest pain" || turn.Role != "user" {
		t.Errorf("turn = %+v", turn)
	}
	if got := turn.SpokenAt.UnixMilli(); got != 1700000000000 {
		t.Errorf("spoken at = %d", got)
	}
	if turn.Source != "live" {
		t.Errorf("source = %q, want live default", turn.Source)
	}
}

func TestHandlerAcceptsStringTimestamp(t *testing.T) {
	turns := &storemock.TurnStore{}
	mux := newTestHandler(turns)

	rec := postRelay(t, mux, `{
		"sessionId": "sess-1",
		"role": "assistant",
		"text": "Tell me more.",
		"timestamp": "1700000000000"
	}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	waitInserted(t, turns, "sess-1", 1)
	if got := turns.Inserted("sess-1")[0].SpokenAt.UnixMilli(); got != 1700000000000 {
		t.Errorf("spoken at = %d", got)
	}
}

func TestHandlerRejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{
			name: "missing session id",
			body: `{"role": "user", "text": "hi"}`,
			code: "missing_session_id",
		},
		{
			name: "invalid role",
			body: `{"sessionId": "s", "role": "narrator", "text": "hi"}`,
			code: "invalid_role",
		},
		{
			name: "empty text",
			body: `{"sessionId": "s", "role": "user", "text": ""}`,
			code: "invalid_text",
		},
		{
			name: "malformed json",
			body: `{"sessionId": `,
			code: "invalid_body",
		},
		{
			name: "non-numeric string timestamp",
			body: `{"sessionId": "s", "role": "user", "text": "hi", "timestamp": "yesterday"}`,
			code: "invalid_body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turns := &storemock.TurnStore{}
			mux := newTestHandler(turns)

			rec := postRelay(t, mux, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp.Error != tt.code {
				t.Errorf("error = %q, want %q", resp.Error, tt.code)
			}
		})
	}
}

func TestHandlerMissingTimestampDefaultsToNow(t *testing.T) {
	turns := &storemock.TurnStore{}
	mux := newTestHandler(turns)

	before := time.Now().Add(-time.Second)
	rec := postRelay(t, mux, `{"sessionId": "s", "role": "user", "text": "hi"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	waitInserted(t, turns, "s", 1)
	got := turns.Inserted("s")[0].SpokenAt
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Errorf("spoken at = %v, want roughly now", got)
	}
}

func TestHandlerCarriesItemIDAndTimings(t *testing.T) {
	turns := &storemock.TurnStore{}
	mux := newTestHandler(turns)

	rec := postRelay(t, mux, `{
		"sessionId": "sess-1",
		"role": "user",
		"text": "it hurts when I breathe",
		"isFinal": true,
		"itemId": "item-42",
		"startedAt": "1700000000000",
		"emittedAt": 1700000001000,
		"finalizedAt": 1700000002000
	}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	waitInserted(t, turns, "sess-1", 1)
	turn := turns.Inserted("sess-1")[0]
	if turn.Fingerprint != "item-42" {
		t.Errorf("fingerprint = %q, want item-42", turn.Fingerprint)
	}
	if turn.StartedAtMs != 1700000000000 || turn.EmittedAtMs != 1700000001000 || turn.FinalizedAtMs != 1700000002000 {
		t.Errorf("timings = %d/%d/%d", turn.StartedAtMs, turn.EmittedAtMs, turn.FinalizedAtMs)
	}
	if got := turn.SpokenAt.UnixMilli(); got != 1700000002000 {
		t.Errorf("spoken at = %d, want the finalized timestamp", got)
	}
}

func TestHandlerExplicitFingerprintBeatsItemID(t *testing.T) {
	turns := &storemock.TurnStore{}
	mux := newTestHandler(turns)

	postRelay(t, mux, `{
		"sessionId": "sess-1",
		"role": "user",
		"text": "hello",
		"itemId": "item-1",
		"fingerprint": "fp-custom"
	}`)

	waitInserted(t, turns, "sess-1", 1)
	if got := turns.Inserted("sess-1")[0].Fingerprint; got != "fp-custom" {
		t.Errorf("fingerprint = %q, want fp-custom", got)
	}
}

func TestHandlerNonFinalBroadcastsWithoutPersisting(t *testing.T) {
	turns := &storemock.TurnStore{}
	bcast := &fakeBroadcaster{}
	h := NewHandler(NewCoordinator(bcast, turns, nil), nil, nil)
	mux := http.NewServeMux()
	h.Register(mux)

	rec := postRelay(t, mux, `{
		"sessionId": "sess-1",
		"role": "assistant",
		"text": "I was walking up the",
		"isFinal": false
	}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(bcast.messages()) == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	msgs := bcast.messages()
	if len(msgs) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(msgs))
	}
	if msgs[0].Type != "partial" || msgs[0].IsFinal {
		t.Errorf("message = %+v, want a partial", msgs[0])
	}
	if got := len(turns.Inserted("sess-1")); got != 0 {
		t.Errorf("inserted = %d, want 0 for a non-final update", got)
	}
}
