package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "attribution.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Locks.DefaultTTL.Duration)
	assert.Equal(t, 3, cfg.Idempotency.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Reconciliation.Interval.Duration)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090
shutdown_timeout = "12s"

[locks]
default_ttl = "45s"
retry_attempts = 8

[reconciliation]
batch_size = 25
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12*time.Second, cfg.Server.ShutdownTimeout.Duration)
	assert.Equal(t, 45*time.Second, cfg.Locks.DefaultTTL.Duration)
	assert.Equal(t, 8, cfg.Locks.RetryAttempts)
	assert.Equal(t, 25, cfg.Reconciliation.BatchSize)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Untouched sections keep their defaults.
	assert.Equal(t, float64(100), cfg.Server.RateLimit)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.Retention.Duration)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 9090
`), 0o600))

	t.Setenv("ATTRIB_SERVER_PORT", "7070")
	t.Setenv("ATTRIB_AUTH_JWT_SECRET", "env-secret")
	t.Setenv("ATTRIB_RECONCILIATION_MAX_AGE", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 2*time.Hour, cfg.Reconciliation.MaxAge.Duration)
}

func TestLoadIgnoresMalformedEnvValues(t *testing.T) {
	t.Setenv("ATTRIB_SERVER_PORT", "not-a-number")
	t.Setenv("ATTRIB_LOCKS_DEFAULT_TTL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Locks.DefaultTTL.Duration)
}

func TestValidateRequiresSecret(t *testing.T) {
	cfg := Defaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg.Auth.JWTSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.LogLevel = "chatty"
	cfg.Idempotency.MaxRetries = -2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "jwt_secret")
}
