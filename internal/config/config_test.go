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

	assert.Equal(t, "http://127.0.0.1:8123/api/analytics", cfg.APIEndpoint)
	assert.Equal(t, "127.0.0.1:8124", cfg.AgentAddress)
	assert.Equal(t, "127.0.0.1:8125", cfg.ProxyAddress)
	assert.Equal(t, "127.0.0.1:8123", cfg.ServerAddress)
	assert.Empty(t, cfg.DataDir)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 720*time.Hour, cfg.PruneAge)
	assert.False(t, cfg.Debug)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAGEPULSE_API_ENDPOINT", "http://analytics.example.com/api/analytics")
	t.Setenv("PAGEPULSE_DATA_DIR", "/var/lib/pagepulse")
	t.Setenv("PAGEPULSE_SYNC_INTERVAL", "5s")
	t.Setenv("PAGEPULSE_MAX_RETRIES", "7")
	t.Setenv("PAGEPULSE_DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://analytics.example.com/api/analytics", cfg.APIEndpoint)
	assert.Equal(t, "/var/lib/pagepulse", cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.True(t, cfg.Debug)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("PAGEPULSE_SYNC_INTERVAL", "sometimes")

	_, err := Load()
	require.Error(t, err)
}

func TestResolveDataDirHonorsOverride(t *testing.T) {
	override := t.TempDir()
	cfg := Config{DataDir: override}

	dir, err := cfg.ResolveDataDir()
	require.NoError(t, err)
	assert.Equal(t, override, dir)
}

func TestResolveDataDirCreatesAppDir(t *testing.T) {
	cfg := Config{}
	t.Setenv("HOME", t.TempDir())

	dir, err := cfg.ResolveDataDir()
	require.NoError(t, err)
	assert.Contains(t, dir, "PagePulse")
	assert.DirExists(t, dir)
}
