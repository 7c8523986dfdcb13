package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	NodeID   string         `yaml:"node_id"` // generated at startup when empty
	BLE      BLEConfig      `yaml:"ble"`
	Envelope EnvelopeConfig `yaml:"envelope"`
	UI       UIConfig       `yaml:"ui"`
	LogLevel string         `yaml:"log_level"`
	LogFile  string         `yaml:"log_file"` // stderr when empty
}

// BLEConfig holds radio and link settings.
type BLEConfig struct {
	Adapter         string        `yaml:"adapter"` // BlueZ adapter name, Linux only
	ScanDuration    time.Duration `yaml:"scan_duration"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Advertise       bool          `yaml:"advertise"` // also serve the chat service as a peripheral
	LocalName       string        `yaml:"local_name"`
}

// EnvelopeConfig holds defaults for outgoing envelopes.
type EnvelopeConfig struct {
	TTL int `yaml:"ttl"`
}

// UIConfig holds the websocket bridge settings.
type UIConfig struct {
	Listen string `yaml:"listen"` // e.g. "127.0.0.1:8765"; disabled when empty
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "meshchat")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			Adapter:         "hci0",
			ScanDuration:    10 * time.Second,
			ConnectTimeout:  10 * time.Second,
			DiscoverTimeout: 10 * time.Second,
			WriteTimeout:    5 * time.Second,
			Advertise:       true,
			LocalName:       "meshchat",
		},
		Envelope: EnvelopeConfig{
			TTL: 6,
		},
		LogLevel: "info",
	}
}

const defaultHeader = `# meshchat configuration
# Durations use Go syntax (e.g. 10s, 1m30s).
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.NodeID, " \t\n") {
		return fmt.Errorf("node_id must not contain whitespace, got %q", c.NodeID)
	}

	if c.BLE.ScanDuration < 0 {
		return fmt.Errorf("ble.scan_duration must be >= 0")
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.BLE.DiscoverTimeout <= 0 {
		return fmt.Errorf("ble.discover_timeout must be > 0")
	}

	if c.BLE.WriteTimeout <= 0 {
		return fmt.Errorf("ble.write_timeout must be > 0")
	}

	if c.BLE.Advertise && c.BLE.LocalName == "" {
		return fmt.Errorf("ble.local_name must not be empty when ble.advertise is set")
	}

	if c.Envelope.TTL < 0 {
		return fmt.Errorf("envelope.ttl must be >= 0, got %d", c.Envelope.TTL)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel maps log_level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel converts a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
