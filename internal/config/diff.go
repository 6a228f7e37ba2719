package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider,
// persistence, and listen-address changes require a restart and are
// reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any session tuning knob changed. New
	// conversations pick the new values up; running ones keep the old.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired lists config paths whose changes cannot be applied
	// to a running server.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Realtime.Provider.Name != new.Realtime.Provider.Name ||
		old.Realtime.Provider.BaseURL != new.Realtime.Provider.BaseURL ||
		old.Realtime.Provider.Model != new.Realtime.Provider.Model {
		d.RestartRequired = append(d.RestartRequired, "realtime.provider")
	}
	if old.Backend != new.Backend {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Persistence.PostgresDSN != new.Persistence.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "persistence.postgres_dsn")
	}

	return d
}
