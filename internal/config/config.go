// ABOUTME: Configuration loading and parsing for coven-kv
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage drivers accepted in database.driver.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
	DriverBolt    = "bolt"
	DriverMemory  = "memory"
)

// Config represents the complete coven-kv configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Relay    RelayConfig    `yaml:"relay" toml:"relay"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig selects the storage engine
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Dir    string `yaml:"dir" toml:"dir"`
}

// RelayConfig holds the change relay settings
type RelayConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`

	KeepaliveInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	KeepaliveIntervalRaw string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Dir:    DataDir(),
		},
		Relay: RelayConfig{
			Enabled:              true,
			Addr:                 "127.0.0.1:50061",
			KeepaliveInterval:    30 * time.Second,
			KeepaliveIntervalRaw: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

// Path returns the config file location.
// Priority: COVEN_KV_CONFIG env var > XDG_CONFIG_HOME/coven/kv.yaml > ~/.config/coven/kv.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_KV_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "kv.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "kv.yaml")
}

// DataDir returns the default database directory.
// Priority: XDG_DATA_HOME/coven-kv > ~/.local/share/coven-kv
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven-kv")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML. Values not
// present in the file keep their defaults. Environment variables in the format
// ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3, DriverBolt:
		if c.Database.Dir == "" {
			return fmt.Errorf("database.dir is required for the %s driver", c.Database.Driver)
		}
	case DriverMemory:
	case "":
		return fmt.Errorf("database.driver is required")
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, bolt, memory", c.Database.Driver)
	}

	if c.Relay.Enabled && c.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required when the relay is enabled")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Relay.KeepaliveIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.Relay.KeepaliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.Relay.KeepaliveIntervalRaw, err)
		}
		if d <= 0 {
			return fmt.Errorf("keepalive_interval must be positive, got %s", d)
		}
		cfg.Relay.KeepaliveInterval = d
	}
	return nil
}

// Template is the commented YAML written by `coven-kv init`.
func Template(cfg *Config) string {
	return fmt.Sprintf(`# coven-kv configuration
# Generated by coven-kv init

database:
  # sqlite (pure Go), sqlite3 (cgo), bolt, or memory
  driver: %s
  dir: %q

relay:
  # Shares change events between stores in different processes
  enabled: %t
  addr: %q
  keepalive_interval: %q

logging:
  level: %s
  format: %s

metrics:
  enabled: %t
  addr: %q
  path: %s
`,
		cfg.Database.Driver, cfg.Database.Dir,
		cfg.Relay.Enabled, cfg.Relay.Addr, cfg.Relay.KeepaliveIntervalRaw,
		cfg.Logging.Level, cfg.Logging.Format,
		cfg.Metrics.Enabled, cfg.Metrics.Addr, cfg.Metrics.Path,
	)
}
