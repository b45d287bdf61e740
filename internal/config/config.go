// Package config loads and finalizes configuration for the data access
// layer: a base TOML file, an optional environment overlay, then
// environment variable overrides and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/JaimeStill/mend/pkg/database"
)

const (
	BaseConfigFile       = "config.toml"
	OverlayConfigPattern = "config.%s.toml"

	EnvMendEnv             = "MEND_ENV"
	EnvMendShutdownTimeout = "MEND_SHUTDOWN_TIMEOUT"
)

var databaseEnv = &database.Env{
	Host:            "MEND_DB_HOST",
	Port:            "MEND_DB_PORT",
	Name:            "MEND_DB_NAME",
	User:            "MEND_DB_USER",
	Password:        "MEND_DB_PASSWORD",
	SSLMode:         "MEND_DB_SSL_MODE",
	MaxOpenConns:    "MEND_DB_MAX_OPEN_CONNS",
	MaxIdleConns:    "MEND_DB_MAX_IDLE_CONNS",
	ConnMaxLifetime: "MEND_DB_CONN_MAX_LIFETIME",
	ConnTimeout:     "MEND_DB_CONN_TIMEOUT",
}

// Config is the root configuration for the data access layer.
type Config struct {
	Database        database.Config    `toml:"database"`
	Schema          SchemaConfig       `toml:"schema"`
	Healing         HealingConfig      `toml:"healing"`
	Transactions    TransactionsConfig `toml:"transactions"`
	Audit           AuditConfig        `toml:"audit"`
	ShutdownTimeout string             `toml:"shutdown_timeout"`
}

// Env returns the MEND_ENV value, defaulting to "local".
func (c *Config) Env() string {
	if env := os.Getenv(EnvMendEnv); env != "" {
		return env
	}
	return "local"
}

// ShutdownTimeoutDuration returns ShutdownTimeout as a time.Duration.
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ShutdownTimeout)
	return d
}

// Load reads the base config (if present), applies any environment
// overlay, and finalizes all values. With no config.toml, defaults and
// environment variables provide all configuration.
func Load() (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(BaseConfigFile); err == nil {
		loaded, err := load(BaseConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if path := overlayPath(); path != "" {
		overlay, err := load(path)
		if err != nil {
			return nil, fmt.Errorf("load overlay %s: %w", path, err)
		}
		cfg.Merge(overlay)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("finalize config: %w", err)
	}

	return cfg, nil
}

// Merge overwrites non-zero fields from overlay across all sub-configs.
func (c *Config) Merge(overlay *Config) {
	if overlay.ShutdownTimeout != "" {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	c.Database.Merge(&overlay.Database)
	c.Schema.Merge(&overlay.Schema)
	c.Healing.Merge(&overlay.Healing)
	c.Transactions.Merge(&overlay.Transactions)
	c.Audit.Merge(&overlay.Audit)
}

func (c *Config) finalize() error {
	if c.ShutdownTimeout == "" {
		c.ShutdownTimeout = "30s"
	}
	if v := os.Getenv(EnvMendShutdownTimeout); v != "" {
		c.ShutdownTimeout = v
	}
	if _, err := time.ParseDuration(c.ShutdownTimeout); err != nil {
		return fmt.Errorf("invalid shutdown_timeout: %w", err)
	}

	if err := c.Database.Finalize(databaseEnv); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Schema.Finalize(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if err := c.Healing.Finalize(); err != nil {
		return fmt.Errorf("healing: %w", err)
	}
	if err := c.Transactions.Finalize(); err != nil {
		return fmt.Errorf("transactions: %w", err)
	}
	if err := c.Audit.Finalize(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	return nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

func overlayPath() string {
	if env := os.Getenv(EnvMendEnv); env != "" {
		path := fmt.Sprintf(OverlayConfigPattern, env)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
