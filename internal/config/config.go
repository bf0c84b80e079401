// Package config defines the top-level configuration for the attribution
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ATTRIB_* environment
// variables.
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Database       DatabaseConfig       `toml:"database"`
	Auth           AuthConfig           `toml:"auth"`
	Locks          LocksConfig          `toml:"locks"`
	Idempotency    IdempotencyConfig    `toml:"idempotency"`
	Reconciliation ReconciliationConfig `toml:"reconciliation"`
	LogLevel       string               `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	RateLimit       float64  `toml:"rate_limit"`
	RateBurst       int      `toml:"rate_burst"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite connection parameters.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AuthConfig holds JWT signing parameters.
type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  duration `toml:"token_ttl"`
}

// LocksConfig holds concurrency coordinator parameters.
type LocksConfig struct {
	DefaultTTL     duration `toml:"default_ttl"`
	GracePeriod    duration `toml:"grace_period"`
	SweepInterval  duration `toml:"sweep_interval"`
	RetryAttempts  int      `toml:"retry_attempts"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
}

// IdempotencyConfig holds idempotency ledger parameters.
type IdempotencyConfig struct {
	MaxRetries    int      `toml:"max_retries"`
	Retention     duration `toml:"retention"`
	SweepInterval duration `toml:"sweep_interval"`
}

// ReconciliationConfig holds reconciliation worker parameters.
type ReconciliationConfig struct {
	Interval      duration `toml:"interval"`
	BrokerTimeout duration `toml:"broker_timeout"`
	MaxAge        duration `toml:"max_age"`
	BatchSize     int      `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RateLimit:       100,
			RateBurst:       200,
			ShutdownTimeout: duration{5 * time.Second},
		},
		Database: DatabaseConfig{
			Path: "attribution.db",
		},
		Auth: AuthConfig{
			JWTSecret: "",
			TokenTTL:  duration{24 * time.Hour},
		},
		Locks: LocksConfig{
			DefaultTTL:     duration{30 * time.Second},
			GracePeriod:    duration{5 * time.Second},
			SweepInterval:  duration{10 * time.Second},
			RetryAttempts:  5,
			RetryBaseDelay: duration{50 * time.Millisecond},
		},
		Idempotency: IdempotencyConfig{
			MaxRetries:    3,
			Retention:     duration{24 * time.Hour},
			SweepInterval: duration{1 * time.Hour},
		},
		Reconciliation: ReconciliationConfig{
			Interval:      duration{1 * time.Minute},
			BrokerTimeout: duration{5 * time.Second},
			MaxAge:        duration{24 * time.Hour},
			BatchSize:     100,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit <= 0 {
		errs = append(errs, "server: rate_limit must be > 0")
	}
	if c.Server.RateBurst < 1 {
		errs = append(errs, "server: rate_burst must be >= 1")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database: path must not be empty")
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, "auth: jwt_secret must be set (ATTRIB_AUTH_JWT_SECRET)")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, "auth: token_ttl must be > 0")
	}

	if c.Locks.DefaultTTL.Duration <= 0 {
		errs = append(errs, "locks: default_ttl must be > 0")
	}
	if c.Locks.GracePeriod.Duration < 0 {
		errs = append(errs, "locks: grace_period must be >= 0")
	}
	if c.Locks.SweepInterval.Duration <= 0 {
		errs = append(errs, "locks: sweep_interval must be > 0")
	}
	if c.Locks.RetryAttempts < 1 {
		errs = append(errs, "locks: retry_attempts must be >= 1")
	}

	if c.Idempotency.MaxRetries < 1 {
		errs = append(errs, "idempotency: max_retries must be >= 1")
	}
	if c.Idempotency.Retention.Duration <= 0 {
		errs = append(errs, "idempotency: retention must be > 0")
	}

	if c.Reconciliation.Interval.Duration <= 0 {
		errs = append(errs, "reconciliation: interval must be > 0")
	}
	if c.Reconciliation.BrokerTimeout.Duration <= 0 {
		errs = append(errs, "reconciliation: broker_timeout must be > 0")
	}
	if c.Reconciliation.BatchSize < 1 {
		errs = append(errs, "reconciliation: batch_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
