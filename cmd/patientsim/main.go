// Command patientsim is the realtime transcript synchronization server for
// AI simulated-patient encounters.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oslerlabs/patientsim/internal/app"
	"github.com/oslerlabs/patientsim/internal/config"
	"github.com/oslerlabs/patientsim/internal/observe"
	"github.com/oslerlabs/patientsim/pkg/realtime"
	rtmock "github.com/oslerlabs/patientsim/pkg/realtime/mock"
	"github.com/oslerlabs/patientsim/pkg/realtime/openai"
)

// version is overridden at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger (level is hot-reloadable via the config watcher) ───────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration + watch for changes ────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SessionChanged {
			slog.Info("session tuning changed; new conversations pick it up")
		}
		for _, path := range d.RestartRequired {
			slog.Warn("config change requires restart", "path", path)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "patientsim: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "patientsim: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("patientsim starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "patientsim",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Realtime provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateRealtime(cfg.Realtime.Provider)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("realtime provider not registered, encounter conversations disabled",
			"name", cfg.Realtime.Provider.Name,
		)
		provider = nil
	} else if err != nil {
		slog.Error("failed to create realtime provider", "name", cfg.Realtime.Provider.Name, "err", err)
		return 1
	} else {
		slog.Info("realtime provider created", "name", cfg.Realtime.Provider.Name)
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the realtime provider factories that ship
// with patientsim into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(opts...), nil
	})

	// mock is a loopback provider for local development without provider
	// credentials: every connection acknowledges its configuration
	// immediately and produces no speech events.
	reg.RegisterRealtime("mock", func(config.ProviderEntry) (realtime.Provider, error) {
		return &rtmock.Provider{
			ConnectFunc: func(context.Context, realtime.SessionConfig) (realtime.SessionHandle, error) {
				sess := rtmock.NewSession()
				go sess.Emit(realtime.SessionAck{})
				return sess, nil
			},
		}, nil
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
