// Package config loads the application configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Store   StoreConfig   `yaml:"store"`
	Model   ModelConfig   `yaml:"model"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig holds transcript persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ModelConfig holds model backend settings.
type ModelConfig struct {
	// Backend selects the querier. Currently "loopback" only; real
	// backends plug in behind the same interface.
	Backend string `yaml:"backend"`
	// StreamDelay throttles loopback output so streaming is visible.
	StreamDelay time.Duration `yaml:"stream_delay"`
	// Breaker configures the circuit breaker around the backend.
	Breaker BreakerSettings `yaml:"breaker"`
	// ToolEstimate is the assumed tool-call duration in seconds used
	// for loading indicators.
	ToolEstimate float64 `yaml:"tool_estimate"`
}

// BreakerSettings mirrors the circuit breaker knobs.
type BreakerSettings struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8765",
		},
		Store: StoreConfig{
			Path: filepath.Join(defaultDataDir(), "transcripts.db"),
		},
		Model: ModelConfig{
			Backend:      "loopback",
			StreamDelay:  50 * time.Millisecond,
			ToolEstimate: 5,
			Breaker: BreakerSettings{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".chatrelay")
	}
	return "./data"
}

// Load reads the YAML file at path, layering it over Defaults() and
// applying environment overrides. A missing file is not an error;
// defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps CHATRELAY_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATRELAY_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("CHATRELAY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CHATRELAY_MODEL_BACKEND"); v != "" {
		cfg.Model.Backend = v
	}
	if v := os.Getenv("CHATRELAY_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CHATRELAY_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CHATRELAY_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CHATRELAY_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CHATRELAY_MODEL_STREAM_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Model.StreamDelay = d
		}
	}
	if v := os.Getenv("CHATRELAY_MODEL_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Model.Breaker.MaxFailures = uint32(n)
		}
	}
}

// Validate checks the configuration for values that cannot work.
func Validate(cfg *Config) error {
	if cfg.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr must not be empty")
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	switch cfg.Model.Backend {
	case "loopback":
	default:
		return fmt.Errorf("unknown model backend %q", cfg.Model.Backend)
	}
	if cfg.Model.StreamDelay < 0 {
		return fmt.Errorf("model.stream_delay must not be negative")
	}
	if cfg.Model.ToolEstimate <= 0 {
		return fmt.Errorf("model.tool_estimate must be positive")
	}
	return nil
}
