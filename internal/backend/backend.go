// Package backend is the HTTP client for the encounter backend: the service
// that owns conversation sessions and mints short-lived realtime provider
// credentials.
//
// The client implements [session.SessionService] so the connection state
// machine can create (or reuse) a session for an encounter and exchange it
// for an ephemeral token without knowing anything about the backend's wire
// format.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oslerlabs/patientsim/internal/resilience"
	"github.com/oslerlabs/patientsim/internal/session"
)

// Compile-time assertion that Client implements session.SessionService.
var _ session.SessionService = (*Client)(nil)

const defaultTimeout = 10 * time.Second

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Primarily used in
// tests to inject an httptest server client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sets a bearer token attached to every backend request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// Client talks to the encounter backend over HTTP. A circuit breaker trips
// after repeated transport or server failures so connection handshakes fail
// fast instead of stalling on a dead backend. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "backend"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Wire shapes ───────────────────────────────────────────────────────────────

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Reused    bool   `json:"reused"`
}

type issueTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ── SessionService ────────────────────────────────────────────────────────────

// Ready reports whether the client currently admits backend calls. It is
// a readiness check, not a dial: an open breaker means the backend has
// been failing and new encounters would be rejected.
func (c *Client) Ready(_ context.Context) error {
	if c.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("backend: %w", resilience.ErrBreakerOpen)
	}
	return nil
}

// Create creates a conversation session for the encounter, or reattaches to
// a recent one when the backend decides to reuse it.
func (c *Client) Create(ctx context.Context, encounterID string) (session.SessionInfo, error) {
	if encounterID == "" {
		return session.SessionInfo{}, fmt.Errorf("backend: create session: encounter id required")
	}

	var resp createSessionResponse
	path := fmt.Sprintf("/v1/encounters/%s/session", encounterID)
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return session.SessionInfo{}, fmt.Errorf("backend: create session: %w", err)
	}
	if resp.SessionID == "" {
		return session.SessionInfo{}, fmt.Errorf("backend: create session: empty session id in response")
	}

	return session.SessionInfo{ID: resp.SessionID, Reused: resp.Reused}, nil
}

// IssueToken exchanges the session for a short-lived provider token.
func (c *Client) IssueToken(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("backend: issue token: session id required")
	}

	var resp issueTokenResponse
	path := fmt.Sprintf("/v1/sessions/%s/token", sessionID)
	if err := c.post(ctx, path, nil, &resp); err != nil {
		return "", fmt.Errorf("backend: issue token: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("backend: issue token: empty token in response")
	}

	return resp.Token, nil
}

// post sends a JSON POST and decodes the response body into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// Transport errors and 5xx responses count against the breaker;
	// client-side rejections do not.
	var resp *http.Response
	err = c.breaker.Do(func() error {
		r, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			r.Body.Close()
			return fmt.Errorf("backend returned %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var apiErr errorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("backend returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
