// ABOUTME: Configuration loading and parsing for replica-console
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete replica-console configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Notices   NoticesConfig   `yaml:"notices" toml:"notices"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the backend location
type ServerConfig struct {
	// BaseURL is the backend's HTTP origin. The websocket URL is derived from it.
	BaseURL string `yaml:"base_url" toml:"base_url"`
}

// ReconnectConfig holds connection timing
type ReconnectConfig struct {
	BaseDelay    time.Duration `yaml:"-" toml:"-"`
	MaxDelay     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	DialTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxAttempts  int           `yaml:"max_attempts" toml:"max_attempts"`

	// Raw string values for unmarshaling
	BaseDelayRaw    string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw     string `yaml:"max_delay" toml:"max_delay"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	DialTimeoutRaw  string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// DatabaseConfig holds local history configuration. An empty path keeps history in memory.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// NoticesConfig holds notice center configuration.
// A zero DedupeWindow, the default, raises every notice.
type NoticesConfig struct {
	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window" toml:"dedupe_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Path returns the config file location.
// Priority: REPLICA_CONFIG env var > XDG_CONFIG_HOME/replica/console.yaml > ~/.config/replica/console.yaml
func Path() string {
	if envPath := os.Getenv("REPLICA_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "console.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "replica", "console.yaml")
}

// DataPath returns the directory for local data such as the history database.
// Priority: XDG_DATA_HOME/replica > ~/.local/share/replica
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "replica")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, or returns Default() when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
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

func (c *Config) applyDefaults() {
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:8000"
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.WriteTimeout == 0 {
		c.Reconnect.WriteTimeout = 10 * time.Second
	}
	if c.Reconnect.DialTimeout == 0 {
		c.Reconnect.DialTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("server.base_url must include a host")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be positive")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Notices.DedupeWindow < 0 {
		return fmt.Errorf("notices.dedupe_window must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"reconnect.write_timeout", cfg.Reconnect.WriteTimeoutRaw, &cfg.Reconnect.WriteTimeout},
		{"reconnect.dial_timeout", cfg.Reconnect.DialTimeoutRaw, &cfg.Reconnect.DialTimeout},
		{"notices.dedupe_window", cfg.Notices.DedupeWindowRaw, &cfg.Notices.DedupeWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
