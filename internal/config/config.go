// ABOUTME: Configuration loading and parsing for chartscribe
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chartscribe configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Workers  WorkersConfig  `yaml:"workers"`
}

// DatabaseConfig holds storage configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`

	BusyTimeout    time.Duration `yaml:"-"`
	BusyTimeoutRaw string        `yaml:"busy_timeout"`

	// WarnThreshold is the tracked-connection count that triggers a leak
	// warning. Zero uses the store default.
	WarnThreshold int `yaml:"warn_threshold"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WorkersConfig holds worker pool tuning for the processing queue.
type WorkersConfig struct {
	Count int `yaml:"count"`

	StaleSweepInterval    time.Duration `yaml:"-"`
	StaleSweepIntervalRaw string        `yaml:"stale_sweep_interval"`
}

// Default returns a configuration with sensible defaults for a local
// installation.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "chartscribe.db",
			BusyTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Workers: WorkersConfig{Count: 4, StaleSweepInterval: time.Minute},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first validation failure.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must not be negative")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Database.BusyTimeoutRaw != "" {
		cfg.Database.BusyTimeout, err = time.ParseDuration(cfg.Database.BusyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing busy_timeout %q: %w", cfg.Database.BusyTimeoutRaw, err)
		}
	}

	if cfg.Workers.StaleSweepIntervalRaw != "" {
		cfg.Workers.StaleSweepInterval, err = time.ParseDuration(cfg.Workers.StaleSweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_sweep_interval %q: %w", cfg.Workers.StaleSweepIntervalRaw, err)
		}
	}

	return nil
}
