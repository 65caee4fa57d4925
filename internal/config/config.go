// Package config defines the Config struct and the Load/Validate pair
// that assemble it: a YAML file overlaid with environment variables,
// decoded with unknown fields rejected, followed by one Validate() pass
// run once at startup. CLI flag parsing and config-file discovery are
// left to the embedding process, so this package stops at Load(path)
// and Validate(); there is no flag surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the latest supported configuration file version.
// Files declaring a newer version are rejected at load.
const CurrentVersion = 1

// Config is the top-level configuration for a turnengine process:
// server, store, session, tool, and logging knobs. Nothing here
// configures a concrete model vendor, auth provider, or transport;
// those are external collaborators.
type Config struct {
	Version int `yaml:"version"`

	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Session SessionConfig `yaml:"session"`
	Tools   ToolsConfig   `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the transport-facing timeouts the core still needs
// to know about even though the HTTP/SSE server itself is out of scope.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig tunes internal/store's connection pool and busy-retry
// discipline.
type StoreConfig struct {
	Path            string        `yaml:"path"`
	MaxReaders      int           `yaml:"max_readers"`
	BusyMaxAttempts int           `yaml:"busy_max_attempts"`
	BusyBaseDelay   time.Duration `yaml:"busy_base_delay"`
	BusyMaxDelay    time.Duration `yaml:"busy_max_delay"`
}

// SessionConfig tunes per-(thread,user) context budget behavior.
type SessionConfig struct {
	DefaultModel        string `yaml:"default_model"`
	DefaultSystemPrompt string `yaml:"default_system_prompt"`
	ContextWindowTokens int    `yaml:"context_window_tokens"`
	StripReasoning      bool   `yaml:"strip_reasoning"`
}

// ToolsConfig tunes tool execution and the bounded tool-round loop.
type ToolsConfig struct {
	MaxRounds     int           `yaml:"max_rounds"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// LoggingConfig selects internal/observability's handler and level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns a Config populated with the same defaults the
// orchestrator and store packages fall back to when unconfigured.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MetricsPort:     9090,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:            "turnengine.db",
			MaxReaders:      4,
			BusyMaxAttempts: 8,
			BusyBaseDelay:   20 * time.Millisecond,
			BusyMaxDelay:    2 * time.Second,
		},
		Session: SessionConfig{
			DefaultModel:        "default",
			ContextWindowTokens: 128000,
			StripReasoning:      true,
		},
		Tools: ToolsConfig{
			MaxRounds:     8,
			MaxConcurrent: 8,
			InvokeTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path as a YAML overlay on Default(), then applies
// TURNENGINE_*-prefixed environment variable overrides, and validates
// the result. An empty path returns Default() with env overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(data)))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TURNENGINE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TURNENGINE_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("TURNENGINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TURNENGINE_DEFAULT_MODEL"); v != "" {
		cfg.Session.DefaultModel = v
	}
}

// Validate checks Config for values the rest of the module cannot run
// with, so a bad file fails at startup rather than mid-turn.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	if cfg.Version > CurrentVersion {
		return fmt.Errorf("config: version %d is newer than this build (current: %d)", cfg.Version, CurrentVersion)
	}
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("config: store.path is required")
	}
	if cfg.Store.BusyMaxAttempts <= 0 {
		return fmt.Errorf("config: store.busy_max_attempts must be positive")
	}
	if cfg.Tools.MaxRounds <= 0 {
		return fmt.Errorf("config: tools.max_rounds must be positive")
	}
	if cfg.Session.ContextWindowTokens <= 0 {
		return fmt.Errorf("config: session.context_window_tokens must be positive")
	}
	switch cfg.Logging.Format {
	case "json", "text", "":
	default:
		return fmt.Errorf("config: logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	return nil
}
