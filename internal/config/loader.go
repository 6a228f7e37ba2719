package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known realtime provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Realtime provider
	name := cfg.Realtime.Provider.Name
	if name == "" {
		errs = append(errs, errors.New("realtime.provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, name) {
		slog.Warn("unknown realtime provider name, may be a typo or third-party provider",
			"name", name,
			"known", ValidProviderNames,
		)
	}

	// Session tuning sanity
	s := cfg.Session
	if s.MaxConnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.max_connect_attempts %d must not be negative", s.MaxConnectAttempts))
	}
	if s.ConnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("session.connect_backoff %v must not be negative", s.ConnectBackoff))
	}
	if s.SoftAckWait < 0 || s.HardAckWait < 0 {
		errs = append(errs, errors.New("session ack waits must not be negative"))
	}
	if s.SoftAckWait > 0 && s.HardAckWait > 0 && s.SoftAckWait >= s.HardAckWait {
		errs = append(errs, fmt.Errorf("session.soft_ack_wait %v must be shorter than session.hard_ack_wait %v", s.SoftAckWait, s.HardAckWait))
	}
	if s.ReuseSettleDelay < 0 || s.ReuseMaxHold < 0 {
		errs = append(errs, errors.New("session reuse guard durations must not be negative"))
	}
	if s.MaxMediaChannels < 0 {
		errs = append(errs, fmt.Errorf("session.max_media_channels %d must not be negative", s.MaxMediaChannels))
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		slog.Warn("backend.base_url is not set; encounter conversations cannot be started")
	}

	// Relay and persistence
	if cfg.Relay.CatchupLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.catchup_limit %d must not be negative", cfg.Relay.CatchupLimit))
	}
	if cfg.Relay.Enabled && cfg.Persistence.PostgresDSN == "" {
		slog.Warn("relay is enabled without persistence.postgres_dsn; transcripts will be broadcast but not saved, and listeners get no catch-up replay")
	}

	return errors.Join(errs...)
}
