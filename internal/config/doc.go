// Package config handles configuration loading for coven-kv.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_KV_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/kv.yaml
//  3. ~/.config/coven/kv.yaml
//
// A missing file is not an error: LoadOrDefault returns Default. Files ending
// in .toml are decoded as TOML; everything else is YAML. Keys absent from the
// file keep their default values.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  dir: "${COVEN_KV_DATA}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  keepalive_interval: "30s"
//
// # Example
//
//	database:
//	  driver: sqlite        # sqlite, sqlite3, bolt, memory
//	  dir: ~/.local/share/coven-kv
//	relay:
//	  enabled: true
//	  addr: "127.0.0.1:50061"
//	logging:
//	  level: info
//	  format: text
//	metrics:
//	  enabled: true
//	  addr: "127.0.0.1:9464"
//	  path: /metrics
package config
