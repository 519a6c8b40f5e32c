// Package config handles configuration loading for replica-console.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from REPLICA_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/replica/console.yaml
//  3. ~/.config/replica/console.yaml
//
// A missing file is not an error for LoadOrDefault; every field has a default.
// Files ending in .toml are decoded as TOML, anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  base_url: "${REPLICA_BACKEND_URL}"
//
// # Configuration Sections
//
//	server:
//	  base_url: "http://localhost:8000"
//
//	reconnect:
//	  base_delay: "1s"
//	  max_delay: "30s"
//	  max_attempts: 5
//	  write_timeout: "10s"
//	  dial_timeout: "10s"
//
//	database:
//	  path: "/var/lib/replica/history.db"  # empty keeps history in memory
//
//	notices:
//	  dedupe_window: "0s"  # default; e.g. "5s" drops repeats within 5 seconds
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Duration values use Go's time.ParseDuration syntax.
package config
