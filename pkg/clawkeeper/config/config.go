// Package config defines the clawkeeper configuration structures and the
// YAML file loader.
package config

import (
	"time"

	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/backoff"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/recycle"
	"github.com/jverissimo/clawkeeper/pkg/clawkeeper/supervisor"
)

// DefaultChildCommand is the agent executable launched when neither the
// config file nor --child names one.
const DefaultChildCommand = "clawkeeper-agent"

// Config holds the whole runtime configuration.
type Config struct {
	// Name identifies this supervisor instance in logs.
	Name string `yaml:"name"`

	// Child configures the supervised agent process.
	Child ChildConfig `yaml:"child"`

	// Supervisor configures backoff, escalation, and shutdown.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Recycle configures scheduled maintenance restarts.
	Recycle recycle.Config `yaml:"recycle"`

	// Journal configures the SQLite lifecycle-event journal.
	Journal JournalConfig `yaml:"journal"`

	// Gateway configures the admin HTTP API.
	Gateway GatewayConfig `yaml:"gateway"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ChildConfig describes the agent process.
type ChildConfig struct {
	// Command is the executable to launch.
	Command string `yaml:"command"`

	// Args are extra arguments passed on every spawn.
	Args []string `yaml:"args"`

	// Dir is the child's working directory. Empty inherits the
	// supervisor's.
	Dir string `yaml:"dir"`

	// Env entries ("KEY=value") are appended to the inherited environment.
	Env []string `yaml:"env"`
}

// SupervisorConfig holds watchdog parameters. Durations are milliseconds,
// matching the wire-facing knobs.
type SupervisorConfig struct {
	// MinBackoffMs is the delay before the first respawn attempt.
	MinBackoffMs int `yaml:"min_backoff_ms"`

	// MaxBackoffMs caps the exponential backoff.
	MaxBackoffMs int `yaml:"max_backoff_ms"`

	// MaxFailures is the consecutive-failure escalation threshold.
	MaxFailures int `yaml:"max_failures"`

	// ShutdownTimeoutMs bounds the graceful stop before a forced kill.
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`

	// StableAfterMs, when positive, restarts the failure streak once the
	// child has been healthy that long. Zero keeps old streaks counting.
	StableAfterMs int `yaml:"stable_after_ms"`

	// ValidateCheckpoints eagerly validates handed-off checkpoint files
	// during the restart handshake.
	ValidateCheckpoints bool `yaml:"validate_checkpoints"`
}

// JournalConfig configures event persistence.
type JournalConfig struct {
	// Enabled turns the journal on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	// Enabled turns the gateway on.
	Enabled bool `yaml:"enabled"`

	// Address is the listen address, e.g. ":8087".
	Address string `yaml:"address"`

	// AuthToken protects every endpoint except /health when set.
	// CLAWKEEPER_GATEWAY_TOKEN overrides it.
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: json or text.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Name: "clawkeeper",
		Child: ChildConfig{
			Command: DefaultChildCommand,
		},
		Supervisor: SupervisorConfig{
			MinBackoffMs:      1000,
			MaxBackoffMs:      60000,
			MaxFailures:       5,
			ShutdownTimeoutMs: 10000,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "./data/clawkeeper.db",
		},
		Gateway: GatewayConfig{
			Address: ":8087",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// BackoffPolicy converts the ms knobs into a backoff.Policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Min:         time.Duration(c.Supervisor.MinBackoffMs) * time.Millisecond,
		Max:         time.Duration(c.Supervisor.MaxBackoffMs) * time.Millisecond,
		MaxFailures: c.Supervisor.MaxFailures,
	}
}

// SupervisorConfig builds the supervisor.Config for this runtime config.
// initialCheckpoint comes from the --checkpoint flag.
func (c *Config) SupervisorConfig(initialCheckpoint string) supervisor.Config {
	return supervisor.Config{
		Child: supervisor.ChildSpec{
			Command:    c.Child.Command,
			Args:       c.Child.Args,
			Dir:        c.Child.Dir,
			Env:        c.Child.Env,
			Checkpoint: initialCheckpoint,
		},
		Backoff:             c.BackoffPolicy(),
		ShutdownTimeout:     time.Duration(c.Supervisor.ShutdownTimeoutMs) * time.Millisecond,
		StableAfter:         time.Duration(c.Supervisor.StableAfterMs) * time.Millisecond,
		ValidateCheckpoints: c.Supervisor.ValidateCheckpoints,
	}
}
