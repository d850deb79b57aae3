// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "kv.yaml", `
database:
  driver: bolt
  dir: "/var/lib/coven-kv"

relay:
  enabled: true
  addr: "0.0.0.0:50061"
  keepalive_interval: "45s"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: "0.0.0.0:9464"
  path: "/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverBolt {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverBolt)
	}
	if cfg.Database.Dir != "/var/lib/coven-kv" {
		t.Errorf("Database.Dir = %q, want %q", cfg.Database.Dir, "/var/lib/coven-kv")
	}
	if cfg.Relay.Addr != "0.0.0.0:50061" {
		t.Errorf("Relay.Addr = %q, want %q", cfg.Relay.Addr, "0.0.0.0:50061")
	}
	if cfg.Relay.KeepaliveInterval != 45*time.Second {
		t.Errorf("Relay.KeepaliveInterval = %v, want %v", cfg.Relay.KeepaliveInterval, 45*time.Second)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Addr != "0.0.0.0:9464" {
		t.Errorf("Metrics = %+v, want enabled on 0.0.0.0:9464", cfg.Metrics)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "kv.toml", `
[database]
driver = "memory"

[relay]
enabled = false

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != DriverMemory {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, DriverMemory)
	}
	if cfg.Relay.Enabled {
		t.Error("Relay.Enabled = true, want false")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want default %q", cfg.Logging.Format, "text")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "kv.yaml", `
logging:
  level: error
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Database != def.Database {
		t.Errorf("Database = %+v, want %+v", cfg.Database, def.Database)
	}
	if cfg.Relay.Addr != "127.0.0.1:50061" {
		t.Errorf("Relay.Addr = %q, want default", cfg.Relay.Addr)
	}
	if cfg.Relay.KeepaliveInterval != 30*time.Second {
		t.Errorf("Relay.KeepaliveInterval = %v, want 30s", cfg.Relay.KeepaliveInterval)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("COVEN_KV_TEST_DIR", "/srv/kv")
	t.Setenv("COVEN_KV_TEST_ADDR", "10.0.0.1:50061")

	path := writeConfig(t, "kv.yaml", `
database:
  driver: sqlite
  dir: "${COVEN_KV_TEST_DIR}"
relay:
  addr: "${COVEN_KV_TEST_ADDR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Dir != "/srv/kv" {
		t.Errorf("Database.Dir = %q, want %q", cfg.Database.Dir, "/srv/kv")
	}
	if cfg.Relay.Addr != "10.0.0.1:50061" {
		t.Errorf("Relay.Addr = %q, want %q", cfg.Relay.Addr, "10.0.0.1:50061")
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad yaml", "kv.yaml", "database: [", "parsing config file"},
		{"bad toml", "kv.toml", "[database\n", "parsing config file"},
		{"bad duration", "kv.yaml", "relay:\n  keepalive_interval: soon\n", "keepalive_interval"},
		{"negative duration", "kv.yaml", "relay:\n  keepalive_interval: -1s\n", "must be positive"},
		{"unknown driver", "kv.yaml", "database:\n  driver: postgres\n", "database.driver"},
		{"missing dir", "kv.yaml", "database:\n  driver: bolt\n  dir: \"\"\n", "database.dir"},
		{"missing relay addr", "kv.yaml", "relay:\n  enabled: true\n  addr: \"\"\n", "relay.addr"},
		{"bad level", "kv.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "kv.yaml", "logging:\n  format: xml\n", "logging.format"},
		{"bad metrics path", "kv.yaml", "metrics:\n  enabled: true\n  path: metrics\n", "metrics.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want default %q", cfg.Database.Driver, DriverSQLite)
	}

	_, err = LoadOrDefault(writeConfig(t, "kv.yaml", "database: ["))
	if err == nil {
		t.Error("LoadOrDefault() should still report parse errors")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("COVEN_KV_CONFIG", "/etc/coven/kv.yaml")
	if got := Path(); got != "/etc/coven/kv.yaml" {
		t.Errorf("Path() = %q, want env override", got)
	}

	t.Setenv("COVEN_KV_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != filepath.Join("/xdg", "coven", "kv.yaml") {
		t.Errorf("Path() = %q, want XDG location", got)
	}

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/witch")
	if got := Path(); got != filepath.Join("/home/witch", ".config", "coven", "kv.yaml") {
		t.Errorf("Path() = %q, want home location", got)
	}
}

func TestDataDir(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DataDir(); got != filepath.Join("/data", "coven-kv") {
		t.Errorf("DataDir() = %q, want XDG location", got)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	want := Default()
	want.Database.Dir = "/tmp/kv data"
	want.Metrics.Enabled = true

	cfg, err := Load(writeConfig(t, "kv.yaml", Template(want)))
	if err != nil {
		t.Fatalf("Load(Template()) error = %v", err)
	}
	if *cfg != *want {
		t.Errorf("round trip = %+v, want %+v", cfg, want)
	}
}
