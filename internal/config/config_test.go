// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/var/lib/chartscribe/data.db"
  busy_timeout: "10s"
  warn_threshold: 16

logging:
  level: "debug"
  format: "json"

workers:
  count: 8
  stale_sweep_interval: "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Path != "/var/lib/chartscribe/data.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Database.BusyTimeout != 10*time.Second {
		t.Errorf("busy_timeout = %v, want 10s", cfg.Database.BusyTimeout)
	}
	if cfg.Database.WarnThreshold != 16 {
		t.Errorf("warn_threshold = %d", cfg.Database.WarnThreshold)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Workers.Count != 8 {
		t.Errorf("workers.count = %d", cfg.Workers.Count)
	}
	if cfg.Workers.StaleSweepInterval != 30*time.Second {
		t.Errorf("stale_sweep_interval = %v", cfg.Workers.StaleSweepInterval)
	}
}

func TestLoad_DefaultsPreserved(t *testing.T) {
	// A minimal file keeps defaults for everything it does not mention.
	path := writeConfig(t, `
logging:
  level: "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "chartscribe.db" {
		t.Errorf("database.path = %q, want default", cfg.Database.Path)
	}
	if cfg.Database.BusyTimeout != 5*time.Second {
		t.Errorf("busy_timeout = %v, want default 5s", cfg.Database.BusyTimeout)
	}
	if cfg.Workers.Count != 4 {
		t.Errorf("workers.count = %d, want default 4", cfg.Workers.Count)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("CHARTSCRIBE_TEST_DB", "/tmp/from-env.db")

	path := writeConfig(t, `
database:
  path: "${CHARTSCRIBE_TEST_DB}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("database.path = %q, want env value", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [not: valid")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  busy_timeout: "ten seconds"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "busy_timeout") {
		t.Errorf("error = %v, want busy_timeout mention", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"negative timeout", func(c *Config) { c.Database.BusyTimeout = -time.Second }, "busy_timeout"},
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }, "workers.count"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q mention", err, tt.wantErr)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestExpandEnvVars_UnsetVariable(t *testing.T) {
	got := expandEnvVars("path: ${CHARTSCRIBE_DEFINITELY_UNSET_VAR}/db")
	if got != "path: /db" {
		t.Errorf("expandEnvVars = %q", got)
	}
}
