package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	require.Equal(t, ":8080", cfg.Port)
	require.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	require.EqualValues(t, 4096, cfg.MaxMessageSize)
	require.Equal(t, RateLimitConfig{Burst: 5, RefillInterval: time.Second}, cfg.RateLimit)
	require.Equal(t, 256, cfg.SendBufferSize)
	require.False(t, cfg.RequireKnownRecipient)
	require.Equal(t, HistoryConfig{RoomLimit: 100, PrivateLimit: 200}, cfg.History)
	require.Equal(t, "data/badger", cfg.BadgerPath)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "https://chat.example.com, http://localhost:3000")
	t.Setenv("MAX_MESSAGE_SIZE", "1024")
	t.Setenv("RATE_LIMIT_BURST", "20")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "500ms")
	t.Setenv("SEND_BUFFER_SIZE", "64")
	t.Setenv("REQUIRE_KNOWN_RECIPIENT", "true")
	t.Setenv("HISTORY_ROOM_LIMIT", "10")
	t.Setenv("HISTORY_PRIVATE_LIMIT", "20")
	t.Setenv("BADGER_PATH", "/tmp/relaychat")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Port)
	require.Equal(t, []string{"https://chat.example.com", "http://localhost:3000"}, cfg.AllowedOrigins)
	require.EqualValues(t, 1024, cfg.MaxMessageSize)
	require.Equal(t, RateLimitConfig{Burst: 20, RefillInterval: 500 * time.Millisecond}, cfg.RateLimit)
	require.Equal(t, 64, cfg.SendBufferSize)
	require.True(t, cfg.RequireKnownRecipient)
	require.Equal(t, HistoryConfig{RoomLimit: 10, PrivateLimit: 20}, cfg.History)
	require.Equal(t, "/tmp/relaychat", cfg.BadgerPath)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestNewConfigFromEnv_Uses_Defaults_When_Unset(t *testing.T) {
	cfg, err := NewConfigFromEnv()
	require.NoError(t, err)

	want := NewConfig()
	require.Equal(t, want.Port, cfg.Port)
	require.Equal(t, want.RateLimit, cfg.RateLimit)
	require.Equal(t, want.History, cfg.History)
}

func TestNewConfigFromEnv_Rejects_Malformed_Values(t *testing.T) {
	t.Setenv("MAX_MESSAGE_SIZE", "lots")

	_, err := NewConfigFromEnv()
	require.Error(t, err)
}

func TestSetConfig_Sanitizes_Values(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })

	SetConfig(&Config{
		AllowedOrigins: []string{" HTTP://Example.COM ", "not-a-url", ""},
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		SendBufferSize: 0,
	})
	cfg := CurrentConfig()
	defaults := NewConfig()

	require.Equal(t, defaults.Port, cfg.Port)
	require.Equal(t, []string{"http://example.com"}, cfg.AllowedOrigins)
	require.Equal(t, defaults.MaxMessageSize, cfg.MaxMessageSize)
	require.Equal(t, defaults.RateLimit, cfg.RateLimit)
	require.Equal(t, defaults.SendBufferSize, cfg.SendBufferSize)
	require.Equal(t, defaults.History, cfg.History)
	require.Equal(t, defaults.ShutdownTimeout, cfg.ShutdownTimeout)
}

func TestCurrentConfig_Returns_Copy(t *testing.T) {
	t.Cleanup(func() { SetConfig(nil) })
	SetConfig(nil)

	cfg := CurrentConfig()
	cfg.AllowedOrigins[0] = "http://evil.example"

	require.Equal(t, []string{"http://localhost:8080"}, CurrentConfig().AllowedOrigins)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "DEBUG",
		" WARN ":  "WARN",
		"warning": "WARN",
		"error":   "ERROR",
		"":        "INFO",
		"verbose": "INFO",
	}
	for in, want := range tests {
		require.Equal(t, want, parseLevel(in).String(), in)
	}
}
