// Package config loads the allocq YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coffersTech/allocq/internal/monitor"
	"github.com/coffersTech/allocq/internal/processor"
	"github.com/coffersTech/allocq/internal/query"
)

type Config struct {
	// Preset selects the processing defaults the processing section
	// overrides: "default", "fast" or "memory-efficient".
	Preset       string                     `yaml:"preset"`
	Processing   processor.Config           `yaml:"processing"`
	Backpressure monitor.BackpressureConfig `yaml:"backpressure"`
	Query        query.Config               `yaml:"query"`
	Log          LogConfig                  `yaml:"log"`
	Server       ServerConfig               `yaml:"server"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APITokenHash    string        `yaml:"api_token_hash"` // bcrypt; empty disables auth
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() Config {
	return Config{
		Preset:       "default",
		Processing:   processor.DefaultConfig(),
		Backpressure: monitor.DefaultBackpressureConfig(),
		Query:        query.DefaultConfig(),
		Log:          LogConfig{Level: "info", Format: "logfmt"},
		Server: ServerConfig{
			Addr:            ":8088",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load reads path, or returns the defaults when path is empty. Environment
// overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return cfg, err
		}
	}
	loadFromEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes a YAML document. The processing preset is resolved first so
// that the processing section only overrides the fields it names.
func Parse(data []byte) (Config, error) {
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if head.Preset != "" {
		p, err := processor.Preset(head.Preset)
		if err != nil {
			return Config{}, err
		}
		cfg.Preset = head.Preset
		cfg.Processing = p
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("ALLOCQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ALLOCQ_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ALLOCQ_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ALLOCQ_API_TOKEN_HASH"); v != "" {
		cfg.Server.APITokenHash = v
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if err := c.Processing.Check(); err != nil {
		return fmt.Errorf("processing: %w", err)
	}
	bp := c.Backpressure
	if bp.MaxBufferSize == 0 || bp.TargetRate == 0 {
		return fmt.Errorf("backpressure: max_buffer_size and target_rate must be positive")
	}
	if bp.PressureThreshold <= 0 || bp.PressureThreshold > 1 {
		return fmt.Errorf("backpressure: pressure_threshold must be in (0, 1], got %g", bp.PressureThreshold)
	}
	if bp.RecoveryTime < 0 {
		return fmt.Errorf("backpressure: recovery_time must not be negative")
	}
	if c.Query.CacheSize < 0 {
		return fmt.Errorf("query: cache_size must not be negative")
	}
	if c.Query.Timeout <= 0 {
		return fmt.Errorf("query: timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	return nil
}
