package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeoutDuration())

	assert.False(t, cfg.Auth.Enabled())
	assert.Equal(t, "", cfg.NATS.URL)
	assert.Equal(t, "weft", cfg.NATS.SubjectRoot)

	assert.Equal(t, 60*time.Second, cfg.Coordinator.CleanupInterval())
	assert.Equal(t, 5*time.Minute, cfg.Coordinator.StaleThreshold())
	assert.Equal(t, 3, cfg.Coordinator.MaxAttempts)

	assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatIntervalDuration())
	assert.Equal(t, 30*time.Second, cfg.WebSocket.StatsIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.WebSocket.ShutdownGraceDuration())
	assert.Equal(t, int64(65536), cfg.WebSocket.MaxMessageSize)

	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WEFT_SERVER_PORT", "9191")
	t.Setenv("WEFT_AUTH_TOKEN", "sekrit")
	t.Setenv("WEFT_NATS_SUBJECT_ROOT", "loom")
	t.Setenv("WEFT_COORDINATOR_STALE_THRESHOLD_MS", "120000")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, cfg.Auth.Enabled())
	assert.Equal(t, "sekrit", cfg.Auth.Token)
	assert.Equal(t, "loom", cfg.NATS.SubjectRoot)
	assert.Equal(t, 2*time.Minute, cfg.Coordinator.StaleThreshold())
}

func TestValidation(t *testing.T) {
	t.Run("rejects out-of-range port", func(t *testing.T) {
		t.Setenv("WEFT_SERVER_PORT", "-1")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
	})

	t.Run("rejects stale threshold below sweep interval", func(t *testing.T) {
		t.Setenv("WEFT_COORDINATOR_STALE_THRESHOLD_MS", "1000")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "staleThresholdMs")
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		t.Setenv("WEFT_LOGGING_LEVEL", "loud")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level")
	})

	t.Run("collects multiple failures", func(t *testing.T) {
		t.Setenv("WEFT_SERVER_PORT", "0")
		t.Setenv("WEFT_LOGGING_LEVEL", "loud")

		_, err := LoadWithPath(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.port")
		assert.Contains(t, err.Error(), "logging.level")
	})
}
