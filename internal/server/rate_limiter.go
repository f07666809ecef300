// Package server implements a token bucket rate limiter for per-connection
// throttling of inbound events.
package server

import (
	"sync"
	"time"
)

// rateLimiter refills Burst tokens every RefillInterval, continuously. Each
// inbound event costs one token.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
	now       func() time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      float64(capacity) / interval.Seconds(),
		lastCheck: time.Now(),
		now:       time.Now,
	}
}

func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.lastCheck).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.rate)
	}
	rl.lastCheck = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
