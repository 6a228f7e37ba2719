package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// Manager owns the lifecycle of conversations, one per encounter. Each
// conversation carries its own transcript, de-duplication, and connection
// state; nothing is shared between encounters.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	mu            sync.Mutex
	conversations map[string]*Conversation

	// Dependencies injected at construction.
	provider realtime.Provider
	media    MediaSource
	sessions SessionService
	composer Composer
	relay    RelaySink
	metrics  *observe.Metrics
	tuning   Tuning
}

// Tuning bundles the per-conversation timing knobs the manager passes
// through to each conversation it creates. Zero values take the defaults.
type Tuning struct {
	MaxAttempts int
	Backoff     time.Duration
	SoftAckWait time.Duration
	HardAckWait time.Duration
	SettleDelay time.Duration
	MaxHold     time.Duration
}

// ManagerConfig holds all dependencies for a [Manager].
type ManagerConfig struct {
	Provider realtime.Provider
	Media    MediaSource
	Sessions SessionService
	Composer Composer
	Relay    RelaySink
	Metrics  *observe.Metrics
	Tuning   Tuning
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		conversations: make(map[string]*Conversation),
		provider:      cfg.Provider,
		media:         cfg.Media,
		sessions:      cfg.Sessions,
		composer:      cfg.Composer,
		relay:         cfg.Relay,
		metrics:       cfg.Metrics,
		tuning:        cfg.Tuning,
	}
}

// StartParams describes one conversation to open.
type StartParams struct {
	EncounterID  string
	Instructions string
	Voice        string
	Phase        string
	Gates        []string
	Notify       Notifier
	MuteAudio    func(muted bool)
}

// Start opens a conversation for the encounter and begins its connection
// handshake. Returns an error if a conversation already exists for the
// encounter.
func (m *Manager) Start(ctx context.Context, p StartParams) (*Conversation, error) {
	if p.EncounterID == "" {
		return nil, fmt.Errorf("session: start: encounter id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[p.EncounterID]; exists {
		return nil, fmt.Errorf("session: conversation already active for encounter %s", p.EncounterID)
	}

	conv := New(Config{
		EncounterID:  p.EncounterID,
		Provider:     m.provider,
		Media:        m.media,
		Sessions:     m.sessions,
		Composer:     m.composer,
		Phase:        p.Phase,
		Gates:        p.Gates,
		Instructions: p.Instructions,
		Voice:        p.Voice,
		Notify:       p.Notify,
		Relay:        m.relay,
		MuteAudio:    p.MuteAudio,
		Metrics:      m.metrics,
		MaxAttempts:  m.tuning.MaxAttempts,
		Backoff:      m.tuning.Backoff,
		SoftAckWait:  m.tuning.SoftAckWait,
		HardAckWait:  m.tuning.HardAckWait,
		SettleDelay:  m.tuning.SettleDelay,
		MaxHold:      m.tuning.MaxHold,
	})
	m.conversations[p.EncounterID] = conv
	conv.Start(ctx)

	slog.Info("conversation started",
		"encounter_id", p.EncounterID,
		"phase", p.Phase,
	)
	return conv, nil
}

// Get returns the conversation for the encounter, or nil if none is active.
func (m *Manager) Get(encounterID string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversations[encounterID]
}

// Dispose tears down the encounter's conversation and releases all of its
// state, including de-duplication history.
func (m *Manager) Dispose(encounterID string) error {
	m.mu.Lock()
	conv, ok := m.conversations[encounterID]
	delete(m.conversations, encounterID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("session: no active conversation for encounter %s", encounterID)
	}
	conv.Dispose()
	slog.Info("conversation disposed", "encounter_id", encounterID)
	return nil
}

// Shutdown disposes every active conversation. Used during process
// shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	convs := m.conversations
	m.conversations = make(map[string]*Conversation)
	m.mu.Unlock()

	for id, conv := range convs {
		conv.Dispose()
		slog.Info("conversation disposed", "encounter_id", id)
	}
}

// Active returns the number of open conversations.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}
