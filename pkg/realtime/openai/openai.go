// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and translates the provider's JSON events into the typed event
// union defined in pkg/realtime. Transcript text arrives on two independent
// feeds for the assistant (plain text deltas and audio-transcript deltas);
// both are surfaced as [realtime.Delta] values with FromAudio set
// appropriately, and the consumer decides which feed wins.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given options.
// Authentication uses the per-session token from [realtime.SessionConfig],
// not a long-lived API key.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the Realtime endpoint and starts the receive loop.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		voice:  cfg.Voice,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverSession struct {
	ID     string `json:"id"`
	Reused bool   `json:"reused,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.text.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	ItemID string `json:"item_id,omitempty"`

	Session *serverSession     `json:"session,omitempty"`
	Error   *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	voice  string

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if out := translate(&evt); out != nil {
			select {
			case s.events <- out:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate maps a raw Realtime server event onto the typed union.
// Unknown event types map to nil and are dropped.
func translate(evt *serverEvent) realtime.Event {
	switch evt.Type {
	case "session.created":
		var id string
		var reused bool
		if evt.Session != nil {
			id = evt.Session.ID
			reused = evt.Session.Reused
		}
		return realtime.SessionCreated{SessionID: id, Reused: reused}

	case "session.updated":
		return realtime.SessionAck{}

	case "input_audio_buffer.speech_started":
		return realtime.SpeechStarted{Role: realtime.RoleUser, ItemID: evt.ItemID}

	case "response.output_item.added":
		return realtime.SpeechStarted{Role: realtime.RoleAssistant, ItemID: evt.ItemID}

	case "response.text.delta":
		if evt.Delta == "" {
			return nil
		}
		return realtime.Delta{
			Role:     realtime.RoleAssistant,
			ItemID:   evt.ItemID,
			Fragment: evt.Delta,
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return nil
		}
		return realtime.Delta{
			Role:      realtime.RoleAssistant,
			ItemID:    evt.ItemID,
			Fragment:  evt.Delta,
			FromAudio: true,
		}

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return nil
		}
		return realtime.Delta{
			Role:      realtime.RoleUser,
			ItemID:    evt.ItemID,
			Fragment:  evt.Delta,
			FromAudio: true,
		}

	case "response.text.done":
		return realtime.Finalized{
			Role:   realtime.RoleAssistant,
			ItemID: evt.ItemID,
			Text:   evt.Text,
		}

	case "response.audio_transcript.done":
		return realtime.Finalized{
			Role:   realtime.RoleAssistant,
			ItemID: evt.ItemID,
			Text:   evt.Transcript,
		}

	case "conversation.item.input_audio_transcription.completed":
		return realtime.Finalized{
			Role:   realtime.RoleUser,
			ItemID: evt.ItemID,
			Text:   evt.Transcript,
		}

	case "error":
		f := realtime.Failure{Message: "unknown error"}
		if evt.Error != nil {
			f.Code = evt.Error.Code
			if evt.Error.Message != "" {
				f.Message = evt.Error.Message
			}
		}
		return f
	}
	return nil
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Events returns the channel on which parsed provider events arrive.
func (s *session) Events() <-chan realtime.Event { return s.events }

// UpdateInstructions sends a session.update with the given instruction
// payload.
func (s *session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:        s.voice,
			Instructions: instructions,
			Modalities:   []string{"audio", "text"},
		},
	})
}

// Open reports whether the session can still send.
func (s *session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.errVal == nil
}

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
