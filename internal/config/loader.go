package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ATTRIB_* environment variable overrides, and
// returns the final Config. A missing file is not an error; the service
// can run on defaults plus environment overrides alone. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ATTRIB_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "ATTRIB_SERVER_PORT")
	setFloat64(&cfg.Server.RateLimit, "ATTRIB_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "ATTRIB_SERVER_RATE_BURST")
	setDuration(&cfg.Server.ShutdownTimeout, "ATTRIB_SERVER_SHUTDOWN_TIMEOUT")

	// ── Database ──
	setStr(&cfg.Database.Path, "ATTRIB_DATABASE_PATH")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "ATTRIB_AUTH_JWT_SECRET")
	setDuration(&cfg.Auth.TokenTTL, "ATTRIB_AUTH_TOKEN_TTL")

	// ── Locks ──
	setDuration(&cfg.Locks.DefaultTTL, "ATTRIB_LOCKS_DEFAULT_TTL")
	setDuration(&cfg.Locks.GracePeriod, "ATTRIB_LOCKS_GRACE_PERIOD")
	setDuration(&cfg.Locks.SweepInterval, "ATTRIB_LOCKS_SWEEP_INTERVAL")
	setInt(&cfg.Locks.RetryAttempts, "ATTRIB_LOCKS_RETRY_ATTEMPTS")
	setDuration(&cfg.Locks.RetryBaseDelay, "ATTRIB_LOCKS_RETRY_BASE_DELAY")

	// ── Idempotency ──
	setInt(&cfg.Idempotency.MaxRetries, "ATTRIB_IDEMPOTENCY_MAX_RETRIES")
	setDuration(&cfg.Idempotency.Retention, "ATTRIB_IDEMPOTENCY_RETENTION")
	setDuration(&cfg.Idempotency.SweepInterval, "ATTRIB_IDEMPOTENCY_SWEEP_INTERVAL")

	// ── Reconciliation ──
	setDuration(&cfg.Reconciliation.Interval, "ATTRIB_RECONCILIATION_INTERVAL")
	setDuration(&cfg.Reconciliation.BrokerTimeout, "ATTRIB_RECONCILIATION_BROKER_TIMEOUT")
	setDuration(&cfg.Reconciliation.MaxAge, "ATTRIB_RECONCILIATION_MAX_AGE")
	setInt(&cfg.Reconciliation.BatchSize, "ATTRIB_RECONCILIATION_BATCH_SIZE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "ATTRIB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
