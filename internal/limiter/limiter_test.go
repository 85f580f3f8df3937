package limiter

import (
	"testing"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(limit RateLimit) (*RateLimiter, *time.Time) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(limit)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestAllowBurstThenWindow(t *testing.T) {
	rl, now := newTestLimiter(RateLimit{MaxEvents: 3, WindowSize: time.Minute, BurstSize: 2})

	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("1.2.3.4"))
	assert.False(t, rl.Allow("1.2.3.4"))
	assert.True(t, rl.Allow("5.6.7.8"), "keys are independent")

	*now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("1.2.3.4"), "window reset")
}

func TestBan(t *testing.T) {
	rl, now := newTestLimiter(RateLimit{MaxEvents: 1, WindowSize: time.Minute, BanThreshold: 2, BanDuration: 5 * time.Minute})

	assert.True(t, rl.Allow("ip"))
	assert.False(t, rl.Allow("ip"))
	assert.False(t, rl.Allow("ip"))

	// window rolls over but the ban holds
	*now = now.Add(2 * time.Minute)
	assert.False(t, rl.Allow("ip"))

	*now = now.Add(4 * time.Minute)
	assert.True(t, rl.Allow("ip"))
}

func TestNilLimiterAllows(t *testing.T) {
	var rl *RateLimiter
	assert.True(t, rl.Allow("ip"))
	assert.Nil(t, NewConnectionLimiter(config.ConnectionLimit{Enabled: false, PerMinute: 10}))
	assert.NotNil(t, NewConnectionLimiter(config.ConnectionLimit{Enabled: true, PerMinute: 10}))
}

func TestCleanup(t *testing.T) {
	rl, now := newTestLimiter(RateLimit{MaxEvents: 5, WindowSize: time.Minute})
	rl.Allow("a")
	rl.Allow("b")
	assert.Equal(t, 2, rl.Len())

	*now = now.Add(2 * time.Hour)
	rl.Allow("b")
	rl.Cleanup(time.Hour)
	assert.Equal(t, 1, rl.Len())
}
