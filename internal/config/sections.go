package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names for section overrides.
const (
	EnvSchemaCacheTTL  = "MEND_SCHEMA_CACHE_TTL"
	EnvHealMaxAttempts = "MEND_HEAL_MAX_ATTEMPTS"
	EnvOracleAPIKey    = "MEND_ORACLE_API_KEY"
	EnvOracleModel     = "MEND_ORACLE_MODEL"
	EnvTxTimeout       = "MEND_TX_TIMEOUT"
	EnvAuditQueuePath  = "MEND_AUDIT_QUEUE_PATH"
)

// SchemaConfig controls schema introspection caching.
type SchemaConfig struct {
	CacheTTL string `toml:"cache_ttl"`
}

// CacheTTLDuration returns CacheTTL as a time.Duration.
func (c *SchemaConfig) CacheTTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.CacheTTL)
	return d
}

// Merge overwrites non-zero fields from overlay.
func (c *SchemaConfig) Merge(overlay *SchemaConfig) {
	if overlay.CacheTTL != "" {
		c.CacheTTL = overlay.CacheTTL
	}
}

// Finalize applies defaults, environment overrides, and validation.
func (c *SchemaConfig) Finalize() error {
	if c.CacheTTL == "" {
		c.CacheTTL = "5m"
	}
	if v := os.Getenv(EnvSchemaCacheTTL); v != "" {
		c.CacheTTL = v
	}
	if _, err := time.ParseDuration(c.CacheTTL); err != nil {
		return fmt.Errorf("invalid cache_ttl: %w", err)
	}
	return nil
}

// HealingConfig controls the correction loop and the oracle tier.
type HealingConfig struct {
	MaxAttempts          int          `toml:"max_attempts"`
	MinPatternConfidence float64      `toml:"min_pattern_confidence"`
	HealLimit            int          `toml:"heal_limit"`
	Oracle               OracleConfig `toml:"oracle"`
}

// Merge overwrites non-zero fields from overlay.
func (c *HealingConfig) Merge(overlay *HealingConfig) {
	if overlay.MaxAttempts != 0 {
		c.MaxAttempts = overlay.MaxAttempts
	}
	if overlay.MinPatternConfidence != 0 {
		c.MinPatternConfidence = overlay.MinPatternConfidence
	}
	if overlay.HealLimit != 0 {
		c.HealLimit = overlay.HealLimit
	}
	c.Oracle.Merge(&overlay.Oracle)
}

// Finalize applies defaults, environment overrides, and validation.
func (c *HealingConfig) Finalize() error {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MinPatternConfidence == 0 {
		c.MinPatternConfidence = 0.5
	}
	if c.HealLimit == 0 {
		c.HealLimit = 4
	}
	if v := os.Getenv(EnvHealMaxAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAttempts = n
		}
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return c.Oracle.Finalize()
}

// OracleConfig configures the external correction service. The API key is
// environment-only; it never lives in a config file.
type OracleConfig struct {
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"`
	Retries int    `toml:"retries"`

	APIKey string `toml:"-"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *OracleConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// Enabled reports whether an oracle can be constructed.
func (c *OracleConfig) Enabled() bool {
	return c.APIKey != ""
}

// Merge overwrites non-zero fields from overlay.
func (c *OracleConfig) Merge(overlay *OracleConfig) {
	if overlay.Model != "" {
		c.Model = overlay.Model
	}
	if overlay.Timeout != "" {
		c.Timeout = overlay.Timeout
	}
	if overlay.Retries != 0 {
		c.Retries = overlay.Retries
	}
}

// Finalize applies defaults, environment overrides, and validation.
func (c *OracleConfig) Finalize() error {
	if c.Model == "" {
		c.Model = "gemini-2.0-flash"
	}
	if c.Timeout == "" {
		c.Timeout = "15s"
	}
	if c.Retries == 0 {
		c.Retries = 2
	}
	if v := os.Getenv(EnvOracleModel); v != "" {
		c.Model = v
	}
	c.APIKey = os.Getenv(EnvOracleAPIKey)

	if _, err := time.ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("invalid oracle timeout: %w", err)
	}
	return nil
}

// TransactionsConfig controls compensating transaction behavior.
// PrimaryKeys maps table names to their primary key column for rollback
// row matching; unlisted tables use "id".
type TransactionsConfig struct {
	Timeout       string            `toml:"timeout"`
	SweepInterval string            `toml:"sweep_interval"`
	PrimaryKeys   map[string]string `toml:"primary_keys"`
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *TransactionsConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// SweepIntervalDuration returns SweepInterval as a time.Duration.
func (c *TransactionsConfig) SweepIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// Merge overwrites non-zero fields from overlay.
func (c *TransactionsConfig) Merge(overlay *TransactionsConfig) {
	if overlay.Timeout != "" {
		c.Timeout = overlay.Timeout
	}
	if overlay.SweepInterval != "" {
		c.SweepInterval = overlay.SweepInterval
	}
	if len(overlay.PrimaryKeys) > 0 {
		if c.PrimaryKeys == nil {
			c.PrimaryKeys = make(map[string]string)
		}
		for table, pk := range overlay.PrimaryKeys {
			c.PrimaryKeys[table] = pk
		}
	}
}

// Finalize applies defaults, environment overrides, and validation.
func (c *TransactionsConfig) Finalize() error {
	if c.Timeout == "" {
		c.Timeout = "30s"
	}
	if c.SweepInterval == "" {
		c.SweepInterval = "10s"
	}
	if v := os.Getenv(EnvTxTimeout); v != "" {
		c.Timeout = v
	}
	if _, err := time.ParseDuration(c.Timeout); err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweep_interval: %w", err)
	}
	return nil
}

// AuditConfig controls the error-log sink and its local fallback queue.
type AuditConfig struct {
	QueuePath     string `toml:"queue_path"`
	FlushInterval string `toml:"flush_interval"`
	MaxRetries    int    `toml:"max_retries"`
}

// FlushIntervalDuration returns FlushInterval as a time.Duration.
func (c *AuditConfig) FlushIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.FlushInterval)
	return d
}

// Merge overwrites non-zero fields from overlay.
func (c *AuditConfig) Merge(overlay *AuditConfig) {
	if overlay.QueuePath != "" {
		c.QueuePath = overlay.QueuePath
	}
	if overlay.FlushInterval != "" {
		c.FlushInterval = overlay.FlushInterval
	}
	if overlay.MaxRetries != 0 {
		c.MaxRetries = overlay.MaxRetries
	}
}

// Finalize applies defaults, environment overrides, and validation.
func (c *AuditConfig) Finalize() error {
	if c.QueuePath == "" {
		c.QueuePath = "audit-queue.jsonl"
	}
	if c.FlushInterval == "" {
		c.FlushInterval = "1m"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if v := os.Getenv(EnvAuditQueuePath); v != "" {
		c.QueuePath = v
	}
	if _, err := time.ParseDuration(c.FlushInterval); err != nil {
		return fmt.Errorf("invalid flush_interval: %w", err)
	}
	return nil
}
