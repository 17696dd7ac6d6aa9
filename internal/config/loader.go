package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "DISPATCHD_"

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (DISPATCHD_AUDIT_MAX_ATTEMPTS, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// An empty configPath skips the file and uses defaults plus
// environment. Environment variables map the section as the first
// underscore-separated token: DISPATCHD_AUDIT_MAX_ATTEMPTS becomes
// audit.max_attempts.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// DISPATCHD_AUDIT_MAX_ATTEMPTS -> audit.max_attempts
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	cfg.Logging.ApplyDefaults()

	if cfg.Planner.MaxPhases == 0 {
		cfg.Planner.MaxPhases = 6
	}
	if cfg.Planner.BottleneckThreshold == 0 {
		cfg.Planner.BottleneckThreshold = 3
	}

	if cfg.Dispatcher.MaxInFlight == 0 {
		cfg.Dispatcher.MaxInFlight = 4
	}
	if cfg.Dispatcher.ExecutorTimeout == 0 {
		cfg.Dispatcher.ExecutorTimeout = 60 * time.Second
	}
	if cfg.Dispatcher.RateBurst == 0 {
		cfg.Dispatcher.RateBurst = 1
	}

	if cfg.Audit.MaxAttempts == 0 {
		cfg.Audit.MaxAttempts = 3
	}
	if cfg.Audit.InitialBackoff == 0 {
		cfg.Audit.InitialBackoff = time.Second
	}
	if cfg.Audit.TheaterThreshold == 0 {
		cfg.Audit.TheaterThreshold = 60
	}
	if cfg.Audit.SandboxTimeout == 0 {
		cfg.Audit.SandboxTimeout = 30 * time.Second
	}
	if cfg.Audit.MaxFunctionLines == 0 {
		cfg.Audit.MaxFunctionLines = 80
	}
	if cfg.Audit.MaxBranches == 0 {
		cfg.Audit.MaxBranches = 10
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}

	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 64
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9290
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
}

// defaultStorePath returns the default SQLite location, falling back
// to an ephemeral database when no home directory is available.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ":memory:"
	}
	return filepath.Join(home, ".local", "share", "dispatchd", "runs.db")
}
