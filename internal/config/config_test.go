package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("RISKMESH_CONFIG_FILE", path)
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("RISKMESH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, "/api/v1", cfg.Server.BasePath)
	assert.Equal(t, 10*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.TTL)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.JitterEnabled)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	writeConfig(t, `
server:
  listen_address: ":9090"
breaker:
  failure_threshold: 7
  recovery_timeout: 45s
cache:
  compression_enabled: false
`)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.False(t, cfg.Cache.CompressionEnabled)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RISKMESH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("RISKMESH_DATABASE_HOST", "db.internal")
	t.Setenv("RISKMESH_DATABASE_PASSWORD", "sekret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Contains(t, cfg.Database.DSN(), "host=db.internal")
	assert.Contains(t, cfg.Database.DSN(), "password=sekret")
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen address", func(c *Config) { c.Server.ListenAddress = "" }},
		{"rate limit without rate", func(c *Config) {
			c.Server.RateLimit.Enabled = true
			c.Server.RateLimit.Rate = 0
		}},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"redis enabled without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"refresh threshold above one", func(c *Config) { c.Cache.BackgroundRefreshThreshold = 1.5 }},
		{"failure rate above one", func(c *Config) { c.Breaker.FailureRateThreshold = 2 }},
		{"persistence without path", func(c *Config) {
			c.Breaker.PersistenceEnabled = true
			c.Breaker.PersistencePath = ""
		}},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RISKMESH_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
