package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Burst_Then_Refill(t *testing.T) {
	now := time.Unix(0, 0)
	rl := newRateLimiter(RateLimitConfig{Burst: 3, RefillInterval: time.Second})
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := range 3 {
		require.True(t, rl.allow(), "event %d within burst", i)
	}
	require.False(t, rl.allow())

	now = now.Add(time.Second / 2)
	require.True(t, rl.allow())
	require.False(t, rl.allow())

	now = now.Add(time.Hour)
	for range 3 {
		require.True(t, rl.allow())
	}
	require.False(t, rl.allow(), "tokens never exceed the burst")
}

func TestRateLimiter_Invalid_Config_Falls_Back(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	rl.now = func() time.Time { return rl.lastCheck }

	require.True(t, rl.allow())
	require.False(t, rl.allow())
}
