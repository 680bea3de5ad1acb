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

	assert.Equal(t, "adaptive-guard.db", cfg.DBPath)
	assert.True(t, cfg.LearningEnabled)
	assert.True(t, cfg.AsyncLearning)
	assert.Equal(t, 10, cfg.MinExecutionsForPatterns)
	assert.InDelta(t, 0.2, cfg.MaxParameterChangeRate, 1e-9)
	assert.Equal(t, time.Hour, cfg.OptimizationCooldown)
	assert.Equal(t, 25, cfg.OptimizeEveryN)
	assert.InDelta(t, 0.15, cfg.RollbackThreshold, 1e-9)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ADAPTIVE_GUARD_DB_PATH", "/tmp/other.db")
	t.Setenv("ADAPTIVE_GUARD_OPTIMIZE_EVERY_N", "50")
	t.Setenv("ADAPTIVE_GUARD_OPTIMIZATION_COOLDOWN", "30m")
	t.Setenv("ADAPTIVE_GUARD_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, 50, cfg.OptimizeEveryN)
	assert.Equal(t, 30*time.Minute, cfg.OptimizationCooldown)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep their defaults.
	assert.InDelta(t, 0.2, cfg.MaxParameterChangeRate, 1e-9)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ADAPTIVE_GUARD_MAX_PARAMETER_CHANGE_RATE", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"change rate too high", func(c *Config) { c.MaxParameterChangeRate = 1.0 }, false},
		{"rollback threshold zero", func(c *Config) { c.RollbackThreshold = 0 }, false},
		{"confidence out of range", func(c *Config) { c.MinConfidenceForInsights = 1.2 }, false},
		{"check interval exceeds window", func(c *Config) {
			c.CheckInterval = 2 * time.Hour
			c.MonitorWindow = time.Hour
		}, false},
		{"unknown log level", func(c *Config) { c.LogLevel = "verbose" }, false},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"console format", func(c *Config) { c.LogFormat = "console" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
