// Package app wires all patientsim subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithTurnStore,
// WithSessionService, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oslerlabs/patientsim/internal/backend"
	"github.com/oslerlabs/patientsim/internal/config"
	"github.com/oslerlabs/patientsim/internal/health"
	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/internal/relay"
	"github.com/oslerlabs/patientsim/internal/session"
	"github.com/oslerlabs/patientsim/internal/store"
	"github.com/oslerlabs/patientsim/internal/store/postgres"
	"github.com/oslerlabs/patientsim/pkg/realtime"
)

// defaultMediaChannels bounds concurrent conversations when
// session.max_media_channels is not configured.
const defaultMediaChannels = 32

// App owns all subsystem lifetimes for the patientsim server.
type App struct {
	cfg      *config.Config
	provider realtime.Provider
	metrics  *observe.Metrics

	turns    store.TurnStore
	sessions session.SessionService
	hub      *relay.Hub
	coord    *relay.Coordinator
	manager  *session.Manager
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnStore injects a turn store instead of connecting to PostgreSQL.
func WithTurnStore(s store.TurnStore) Option {
	return func(a *App) { a.turns = s }
}

// WithSessionService injects a session service instead of creating a
// backend client from config.
func WithSessionService(s session.SessionService) Option {
	return func(a *App) { a.sessions = s }
}

// WithMetrics injects a metrics instance instead of using the default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The realtime
// provider comes from main (populated via the config registry); it may be
// nil, in which case encounter conversations are disabled.
func New(ctx context.Context, cfg *config.Config, provider realtime.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	var checkers []health.Checker

	// ── 1. Turn store ────────────────────────────────────────────────────
	if a.turns == nil && cfg.Persistence.PostgresDSN != "" {
		st, err := postgres.New(ctx, cfg.Persistence.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect turn store: %w", err)
		}
		a.turns = st
		a.closers = append(a.closers, func() error {
			st.Close()
			return nil
		})
		checkers = append(checkers, health.Checker{Name: "postgres", Check: st.Ping})
		slog.Info("turn store connected")
	}

	// ── 2. Relay hub + coordinator ───────────────────────────────────────
	var hubOpts []relay.HubOption
	if cfg.Relay.CatchupLimit > 0 {
		hubOpts = append(hubOpts, relay.WithCatchupLimit(cfg.Relay.CatchupLimit))
	}
	a.hub = relay.NewHub(a.turns, hubOpts...)
	a.coord = relay.NewCoordinator(a.hub, a.turns, a.metrics)

	// ── 3. Encounter conversations ───────────────────────────────────────
	if a.sessions == nil && cfg.Backend.BaseURL != "" {
		var backendOpts []backend.Option
		if cfg.Backend.APIKey != "" {
			backendOpts = append(backendOpts, backend.WithAPIKey(cfg.Backend.APIKey))
		}
		bc := backend.NewClient(cfg.Backend.BaseURL, backendOpts...)
		a.sessions = bc
		checkers = append(checkers, health.Checker{Name: "backend", Check: bc.Ready})
	}
	if a.sessions != nil && a.provider != nil {
		maxMedia := int64(cfg.Session.MaxMediaChannels)
		if maxMedia <= 0 {
			maxMedia = defaultMediaChannels
		}
		a.manager = session.NewManager(session.ManagerConfig{
			Provider: a.provider,
			Media:    session.NewMediaGate(maxMedia),
			Sessions: a.sessions,
			Composer: PatientComposer{},
			Relay:    a.coord,
			Metrics:  a.metrics,
			Tuning: session.Tuning{
				MaxAttempts: cfg.Session.MaxConnectAttempts,
				Backoff:     cfg.Session.ConnectBackoff,
				SoftAckWait: cfg.Session.SoftAckWait,
				HardAckWait: cfg.Session.HardAckWait,
				SettleDelay: cfg.Session.ReuseSettleDelay,
				MaxHold:     cfg.Session.ReuseMaxHold,
			},
		})
	} else {
		slog.Warn("encounter conversations disabled",
			"have_backend", a.sessions != nil,
			"have_provider", a.provider != nil,
		)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Relay.Enabled {
		relay.NewHandler(a.coord, a.hub, a.metrics).Register(mux)
	}
	if a.manager != nil {
		newEncounterHandler(a.manager, a.hub, cfg.Realtime.Voice).Register(mux)
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Manager returns the conversation manager, or nil when encounter
// conversations are disabled.
func (a *App) Manager() *session.Manager { return a.manager }

// Run serves HTTP until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"relay_enabled", a.cfg.Relay.Enabled,
		"conversations_enabled", a.manager != nil,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server, disposes every active conversation, and
// runs the remaining closers in order. It respects the context deadline:
// closers left when ctx expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		if a.manager != nil {
			a.manager.Shutdown()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
