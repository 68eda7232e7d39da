package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DIALOG_SERVER_URL", "DIALOG_RECONNECT_MAX", "DIALOG_RECONNECT_DELAY",
	"DIALOG_KEEPALIVE_INTERVAL", "DIALOG_REFRESH_INTERVAL", "DIALOG_REQUEST_TIMEOUT",
	"PORT", "FRONTEND_URL", "DB_PATH", "SESSION_TTL", "LOG_LEVEL",
	"PIPELINE_STEP", "HEALTH_CHECK_TIMEOUT",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Client.ServerURL)
	assert.Equal(t, 5, cfg.Client.ReconnectMax)
	assert.Equal(t, 3*time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.KeepAliveInterval)
	assert.Equal(t, 15*time.Second, cfg.Client.RefreshInterval)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 60*time.Minute, cfg.Server.SessionTTL)
	assert.Equal(t, time.Second, cfg.Server.PipelineStep)
	assert.Equal(t, 5*time.Second, cfg.Server.HealthTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.True(t, cfg.Server.IsDevelopment())
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIALOG_SERVER_URL", "https://factory.example.com")
	t.Setenv("DIALOG_RECONNECT_MAX", "2")
	t.Setenv("DIALOG_RECONNECT_DELAY", "500ms")
	t.Setenv("DIALOG_REFRESH_INTERVAL", "10")
	t.Setenv("SESSION_TTL", "2h")
	t.Setenv("FRONTEND_URL", "https://factory.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://factory.example.com", cfg.Client.ServerURL)
	assert.Equal(t, 2, cfg.Client.ReconnectMax)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.ReconnectDelay)
	assert.Equal(t, 10*time.Second, cfg.Client.RefreshInterval)
	assert.Equal(t, 2*time.Hour, cfg.Server.SessionTTL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.False(t, cfg.Server.IsDevelopment())
}

func TestUnparseableValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("DIALOG_RECONNECT_MAX", "many")
	t.Setenv("DIALOG_KEEPALIVE_INTERVAL", "soon")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Client.ReconnectMax)
	assert.Equal(t, 30*time.Second, cfg.Client.KeepAliveInterval)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"DIALOG_SERVER_URL":      "ftp://example.com",
		"DIALOG_RECONNECT_MAX":   "-1",
		"DIALOG_RECONNECT_DELAY": "0s",
		"PORT":                   "",
		"DB_PATH":                "",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			assert.ErrorContains(t, err, key)
		})
	}
}
