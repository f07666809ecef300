// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	env "github.com/Netflix/go-env"
)

// RateLimitConfig defines the parameters for per-connection event rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// HistoryConfig caps the number of messages returned by the history endpoints.
type HistoryConfig struct {
	RoomLimit    int
	PrivateLimit int
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port                  string
	AllowedOrigins        []string
	MaxMessageSize        int64
	RateLimit             RateLimitConfig
	SendBufferSize        int
	RequireKnownRecipient bool
	History               HistoryConfig
	BadgerPath            string
	LogLevel              string
	ShutdownTimeout       time.Duration
}

// environment is the flat view of Config read from the process environment.
type environment struct {
	Port                  string        `env:"SERVER_PORT,default=:8080"`
	AllowedOrigins        string        `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	MaxMessageSize        int           `env:"MAX_MESSAGE_SIZE,default=4096"`
	RateLimitBurst        int           `env:"RATE_LIMIT_BURST,default=5"`
	RateLimitRefill       time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s"`
	SendBufferSize        int           `env:"SEND_BUFFER_SIZE,default=256"`
	RequireKnownRecipient bool          `env:"REQUIRE_KNOWN_RECIPIENT,default=false"`
	HistoryRoomLimit      int           `env:"HISTORY_ROOM_LIMIT,default=100"`
	HistoryPrivateLimit   int           `env:"HISTORY_PRIVATE_LIMIT,default=200"`
	BadgerPath            string        `env:"BADGER_PATH,default=data/badger"`
	LogLevel              string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout       time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		SendBufferSize: 256,
		History: HistoryConfig{
			RoomLimit:    100,
			PrivateLimit: 200,
		},
		BadgerPath:      "data/badger",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	defaults := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaults.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaults.RateLimit.RefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.History.RoomLimit <= 0 {
		cfg.History.RoomLimit = defaults.History.RoomLimit
	}
	if cfg.History.PrivateLimit <= 0 {
		cfg.History.PrivateLimit = defaults.History.PrivateLimit
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		sanitizeConfig(defaultConfig())
		return
	}

	sanitized := *cfg
	sanitized.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	sanitizeConfig(sanitized)
}

// CurrentConfig returns a copy of the active configuration.
func CurrentConfig() Config {
	return currentConfig()
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config from environment variables. Unset
// variables take their default; malformed values are an error.
func NewConfigFromEnv() (*Config, error) {
	var e environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	return &Config{
		Port:           e.Port,
		AllowedOrigins: parseOrigins(e.AllowedOrigins),
		MaxMessageSize: int64(e.MaxMessageSize),
		RateLimit: RateLimitConfig{
			Burst:          e.RateLimitBurst,
			RefillInterval: e.RateLimitRefill,
		},
		SendBufferSize:        e.SendBufferSize,
		RequireKnownRecipient: e.RequireKnownRecipient,
		History: HistoryConfig{
			RoomLimit:    e.HistoryRoomLimit,
			PrivateLimit: e.HistoryPrivateLimit,
		},
		BadgerPath:      e.BadgerPath,
		LogLevel:        e.LogLevel,
		ShutdownTimeout: e.ShutdownTimeout,
	}, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
