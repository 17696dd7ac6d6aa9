// Package config provides configuration loading for dispatchd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dispatchd/internal/logging"
)

// Config is the full dispatchd configuration.
type Config struct {
	Logging    logging.Config   `koanf:"logging"`
	Planner    PlannerConfig    `koanf:"planner"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Audit      AuditConfig      `koanf:"audit"`
	Store      StoreConfig      `koanf:"store"`
	Events     EventsConfig     `koanf:"events"`
	Server     ServerConfig     `koanf:"server"`
}

// PlannerConfig tunes phase division.
type PlannerConfig struct {
	// MaxPhases is the phase-count ceiling. Default: 6
	MaxPhases int `koanf:"max_phases"`

	// BottleneckThreshold is the dependent count at which an item is
	// flagged. Default: 3
	BottleneckThreshold int `koanf:"bottleneck_threshold"`
}

// DispatcherConfig tunes dispatch concurrency and retries.
type DispatcherConfig struct {
	// MaxInFlight bounds concurrent items within a phase. Default: 4
	MaxInFlight int `koanf:"max_in_flight"`

	// ExecutorTimeout bounds one executor attempt. Default: 60s
	ExecutorTimeout time.Duration `koanf:"executor_timeout"`

	// RatePerSecond caps executor dispatches per second. Zero
	// disables the cap.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// RateBurst is the burst size for the dispatch rate cap.
	// Default: 1
	RateBurst int `koanf:"rate_burst"`
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	// MaxAttempts is the total attempts per stage. Default: 3
	MaxAttempts int `koanf:"max_attempts"`

	// InitialBackoff is the delay before a stage's second attempt.
	// Default: 1s
	InitialBackoff time.Duration `koanf:"initial_backoff"`

	// TheaterThreshold is the stub-detection failure threshold.
	// Default: 60
	TheaterThreshold int `koanf:"theater_threshold"`

	// SandboxTimeout bounds one sandboxed execution. Default: 30s
	SandboxTimeout time.Duration `koanf:"sandbox_timeout"`

	// MaxFunctionLines is the compliance function-length ceiling.
	// Default: 80
	MaxFunctionLines int `koanf:"max_function_lines"`

	// MaxBranches is the compliance branch-count ceiling. Default: 10
	MaxBranches int `koanf:"max_branches"`
}

// StoreConfig locates run persistence.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps runs
	// ephemeral. Default: ~/.local/share/dispatchd/runs.db (expanded
	// at load time)
	Path string `koanf:"path"`
}

// EventsConfig tunes progress event delivery.
type EventsConfig struct {
	// Buffer is the per-subscriber channel size. Default: 64
	Buffer int `koanf:"buffer"`

	// NATSURL enables publishing events to NATS when set.
	NATSURL string `koanf:"nats_url"`
}

// ServerConfig configures the optional monitor HTTP server.
type ServerConfig struct {
	// Enabled starts the monitor server with `dispatchd run`.
	Enabled bool `koanf:"enabled"`

	// Port is the listen port. Default: 9290
	Port int `koanf:"port"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Dispatcher.MaxInFlight < 0 {
		return fmt.Errorf("dispatcher.max_in_flight must not be negative")
	}
	if c.Audit.MaxAttempts < 0 {
		return fmt.Errorf("audit.max_attempts must not be negative")
	}
	return nil
}
