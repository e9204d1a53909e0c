// Package config loads and validates policyd configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the disposition engine daemon
type Config struct {
	Engine   EngineConfig   `koanf:"engine"`
	Storage  StorageConfig  `koanf:"storage"`
	Throttle ThrottleConfig `koanf:"throttle"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Ops      OpsConfig      `koanf:"ops"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// EngineConfig holds evaluation settings
type EngineConfig struct {
	MaxHops         int  `koanf:"max_hops"`          // Received-header hop limit before forwards are suppressed
	BodySnippetSize int  `koanf:"body_snippet_size"` // Bytes of body text retained for BODY conditions
	LogDispositions bool `koanf:"log_dispositions"`  // Record each evaluation outcome in the store
}

// StorageConfig holds rule store configuration
type StorageConfig struct {
	DatabasePath string `koanf:"database_path"` // SQLite database path
}

// ThrottleConfig holds reply throttle backend configuration
type ThrottleConfig struct {
	Backend  string `koanf:"backend"`   // "sqlite" or "redis"
	RedisURL string `koanf:"redis_url"` // Redis connection URL (redis backend)
	Prefix   string `koanf:"prefix"`    // Key prefix for throttle entries (redis backend)
}

// DispatchConfig holds plan execution configuration
type DispatchConfig struct {
	Hostname       string     `koanf:"hostname"`        // Hostname used in generated Message-IDs
	RelayHost      string     `koanf:"relay_host"`      // Smarthost for forwards and auto-replies (host:port)
	RelayStartTLS  bool       `koanf:"relay_starttls"`  // Use STARTTLS when talking to the relay
	RelayTLS       bool       `koanf:"relay_tls"`       // Use implicit TLS when talking to the relay
	VerifyTLS      bool       `koanf:"verify_tls"`      // Verify relay TLS certificates
	ConnectTimeout string     `koanf:"connect_timeout"` // TCP connection timeout
	FilingBackend  string     `koanf:"filing_backend"`  // "maildir" or "imap"
	MaildirPath    string     `koanf:"maildir_path"`    // Base maildir path (maildir backend)
	IMAP           IMAPConfig `koanf:"imap"`            // IMAP APPEND target (imap backend)
}

// IMAPConfig holds the IMAP filing backend configuration
type IMAPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	TLS      bool   `koanf:"tls"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// OpsConfig holds the operations HTTP server configuration
type OpsConfig struct {
	Enabled   bool   `koanf:"enabled"`    // Enable the ops server
	Listen    string `koanf:"listen"`     // Listen address (default 127.0.0.1)
	Port      int    `koanf:"port"`       // Ops port (default 8085)
	TokenHash string `koanf:"token_hash"` // bcrypt hash of the bearer token, empty disables auth
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxHops:         15,
			BodySnippetSize: 8192,
			LogDispositions: true,
		},
		Storage: StorageConfig{
			DatabasePath: "/var/lib/policyd/policy.db",
		},
		Throttle: ThrottleConfig{
			Backend: "sqlite",
			Prefix:  "policyd",
		},
		Dispatch: DispatchConfig{
			Hostname:       "localhost",
			RelayStartTLS:  true,
			VerifyTLS:      true,
			ConnectTimeout: "30s",
			FilingBackend:  "maildir",
			MaildirPath:    "/var/lib/policyd/maildir",
			IMAP: IMAPConfig{
				Port: 143,
			},
		},
		Ops: OpsConfig{
			Enabled: true,
			Listen:  "127.0.0.1",
			Port:    8085,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Engine.MaxHops <= 0 {
		return fmt.Errorf("engine.max_hops must be positive")
	}
	if c.Engine.BodySnippetSize < 0 {
		return fmt.Errorf("engine.body_snippet_size must not be negative")
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if dir := filepath.Dir(c.Storage.DatabasePath); dir == "" {
		return fmt.Errorf("storage.database_path is invalid")
	}

	switch c.Throttle.Backend {
	case "sqlite":
	case "redis":
		if c.Throttle.RedisURL == "" {
			return fmt.Errorf("throttle.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("throttle.backend must be \"sqlite\" or \"redis\", got %q", c.Throttle.Backend)
	}

	switch c.Dispatch.FilingBackend {
	case "maildir":
		if c.Dispatch.MaildirPath == "" {
			return fmt.Errorf("dispatch.maildir_path is required for the maildir backend")
		}
	case "imap":
		if c.Dispatch.IMAP.Host == "" {
			return fmt.Errorf("dispatch.imap.host is required for the imap backend")
		}
		if c.Dispatch.IMAP.Port <= 0 || c.Dispatch.IMAP.Port > 65535 {
			return fmt.Errorf("dispatch.imap.port is invalid: %d", c.Dispatch.IMAP.Port)
		}
	default:
		return fmt.Errorf("dispatch.filing_backend must be \"maildir\" or \"imap\", got %q", c.Dispatch.FilingBackend)
	}

	if c.Dispatch.RelayTLS && c.Dispatch.RelayStartTLS {
		return fmt.Errorf("dispatch.relay_tls and dispatch.relay_starttls are mutually exclusive")
	}

	if _, err := c.ConnectTimeout(); err != nil {
		return fmt.Errorf("dispatch.connect_timeout is invalid: %w", err)
	}

	if c.Ops.Enabled {
		if c.Ops.Port <= 0 || c.Ops.Port > 65535 {
			return fmt.Errorf("ops.port is invalid: %d", c.Ops.Port)
		}
	}

	return nil
}

// ConnectTimeout parses the dispatch connect timeout
func (c *Config) ConnectTimeout() (time.Duration, error) {
	if c.Dispatch.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(c.Dispatch.ConnectTimeout)
}
