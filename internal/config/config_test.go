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

	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.DownloadDir)
	assert.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent)
	assert.Equal(t, DefaultAPIPort, cfg.APIPort)
	assert.True(t, cfg.APIEnabled)
	assert.Equal(t, DefaultCleanupTTL, cfg.CleanupTTL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VIDFARM_DB_PATH", "/data/q.db")
	t.Setenv("VIDFARM_MAX_CONCURRENT", "5")
	t.Setenv("VIDFARM_API_ENABLED", "false")
	t.Setenv("VIDFARM_CLEANUP_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/q.db", cfg.DBPath)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.False(t, cfg.APIEnabled)
	assert.Equal(t, 2*time.Hour, cfg.CleanupTTL)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("VIDFARM_MAX_CONCURRENT", "lots")
	t.Setenv("VIDFARM_API_ENABLED", "sure")
	t.Setenv("VIDFARM_CLEANUP_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrent, cfg.MaxConcurrent)
	assert.True(t, cfg.APIEnabled)
	assert.Equal(t, DefaultCleanupTTL, cfg.CleanupTTL)
}
