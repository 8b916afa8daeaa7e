package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 300*time.Second, cfg.LockLease)
	assert.Equal(t, 300*time.Second, cfg.StageTimeout)
	assert.Equal(t, 60*time.Second, cfg.RetryBase)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, 0.2, cfg.RetryJitter)
	assert.Equal(t, time.Hour, cfg.RetryCap)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, "labelsquor-orchestrator", cfg.ServiceName)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LSQ_NUM_WORKERS", "12")
	t.Setenv("LSQ_LOCK_LEASE", "90s")
	t.Setenv("LSQ_RETRY_MULTIPLIER", "1.5")
	t.Setenv("LSQ_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.NumWorkers)
	assert.Equal(t, 90*time.Second, cfg.LockLease)
	assert.Equal(t, 1.5, cfg.RetryMultiplier)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("LSQ_NUM_WORKERS", "many")
	t.Setenv("LSQ_SWEEP_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.NumWorkers)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }},
		{"zero workers", func(c *Config) { c.NumWorkers = 0 }},
		{"zero lease", func(c *Config) { c.LockLease = 0 }},
		{"zero stage timeout", func(c *Config) { c.StageTimeout = 0 }},
		{"multiplier below one", func(c *Config) { c.RetryMultiplier = 0.5 }},
		{"jitter out of range", func(c *Config) { c.RetryJitter = 1.0 }},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
