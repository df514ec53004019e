package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// StoreConfig holds configuration for the shared user/mail store
type StoreConfig struct {
	Backend   string `toml:"backend"`    // "file" or "sqlite"
	Path      string `toml:"path"`       // file backend: mail directory root
	UsersFile string `toml:"users_file"` // file backend: credentials file
	Database  string `toml:"database"`   // sqlite backend: database file path
}

// POP3Config holds configuration for the POP3 retrieval server
type POP3Config struct {
	Name                string `toml:"name"`
	MaxConnections      int    `toml:"max_connections"`
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	IdleTimeout         string `toml:"idle_timeout"` // 0 disables the idle timer
}

// SMTPConfig holds configuration for the SMTP submission server
type SMTPConfig struct {
	Name                string `toml:"name"`
	MaxConnections      int    `toml:"max_connections"`
	MaxConnectionsPerIP int    `toml:"max_connections_per_ip"`
	IdleTimeout         string `toml:"idle_timeout"`
	MaxRecipients       int    `toml:"max_recipients"`
	MaxMessageSize      int64  `toml:"max_message_size"` // octets, growable body buffer ceiling
}

// MetricsConfig holds configuration for the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the top-level configuration shared by both server binaries
type Config struct {
	Hostname string        `toml:"hostname"` // overrides os.Hostname in banners
	Logging  LoggingConfig `toml:"logging"`
	Store    StoreConfig   `toml:"store"`
	POP3     POP3Config    `toml:"pop3"`
	SMTP     SMTPConfig    `toml:"smtp"`
	Metrics  MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig returns a configuration with sensible defaults. A missing
// config file leaves these in effect.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Store: StoreConfig{
			Backend:   "file",
			Path:      "./mail",
			UsersFile: "./users",
		},
		POP3: POP3Config{
			Name:           "pop3",
			MaxConnections: 500,
			IdleTimeout:    "5m",
		},
		SMTP: SMTPConfig{
			Name:           "smtp",
			MaxConnections: 500,
			IdleTimeout:    "5m",
			MaxRecipients:  30,
			MaxMessageSize: 10 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "localhost:9090",
		},
	}
}

// Load decodes the TOML file at path over cfg. The file is optional for the
// server binaries; callers decide whether a missing file is an error.
func Load(path string, cfg *Config) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode config file '%s': %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
		if c.Store.UsersFile == "" {
			return fmt.Errorf("store.users_file is required for the file backend")
		}
	case "sqlite":
		if c.Store.Database == "" {
			return fmt.Errorf("store.database is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend '%s'", c.Store.Backend)
	}

	if c.SMTP.MaxRecipients <= 0 {
		return fmt.Errorf("smtp.max_recipients must be positive")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("smtp.max_message_size must be positive")
	}

	if _, err := c.POP3.GetIdleTimeout(); err != nil {
		return fmt.Errorf("invalid pop3.idle_timeout: %w", err)
	}
	if _, err := c.SMTP.GetIdleTimeout(); err != nil {
		return fmt.Errorf("invalid smtp.idle_timeout: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// GetIdleTimeout parses the POP3 idle timeout duration
func (p *POP3Config) GetIdleTimeout() (time.Duration, error) {
	if p.IdleTimeout == "" || p.IdleTimeout == "0" {
		return 0, nil
	}
	return time.ParseDuration(p.IdleTimeout)
}

// GetIdleTimeout parses the SMTP idle timeout duration
func (s *SMTPConfig) GetIdleTimeout() (time.Duration, error) {
	if s.IdleTimeout == "" || s.IdleTimeout == "0" {
		return 0, nil
	}
	return time.ParseDuration(s.IdleTimeout)
}
