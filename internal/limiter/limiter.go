package limiter

import (
	"sync"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/logger"
	"go.uber.org/zap"
)

// RateLimit defines the limits applied to every key
type RateLimit struct {
	MaxEvents    int           // Maximum number of events allowed per window
	WindowSize   time.Duration // Time window for the limit
	BurstSize    int           // Events allowed before MaxEvents applies
	BanThreshold int           // Number of violations before banning
	BanDuration  time.Duration // Duration of the ban
}

// Counter tracks rate limiting state for a specific key
type Counter struct {
	count       int
	burstCount  int
	lastReset   time.Time
	lastBurst   time.Time
	banCount    int
	lastBanTime time.Time
}

// RateLimiter counts events per key (a client IP) in fixed windows and bans
// keys that keep exceeding the limit.
type RateLimiter struct {
	limit  RateLimit
	counts map[string]*Counter
	mutex  sync.Mutex
	now    func() time.Time
	log    *zap.Logger
}

// NewRateLimiter creates a limiter with the given limit.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.WindowSize <= 0 {
		limit.WindowSize = time.Minute
	}
	return &RateLimiter{
		limit:  limit,
		counts: make(map[string]*Counter),
		now:    time.Now,
		log:    logger.New("limiter"),
	}
}

// NewConnectionLimiter builds a per-IP session limiter from config. It
// returns nil when limiting is disabled; a nil limiter allows everything.
func NewConnectionLimiter(cfg config.ConnectionLimit) *RateLimiter {
	if !cfg.Enabled || cfg.PerMinute <= 0 {
		return nil
	}
	return NewRateLimiter(RateLimit{
		MaxEvents:    cfg.PerMinute,
		WindowSize:   time.Minute,
		BurstSize:    cfg.BurstSize,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
	})
}

// Allow records one event for key and reports whether it is within limits.
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || key == "" {
		return true
	}

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	limit := rl.limit

	counter, exists := rl.counts[key]
	if !exists {
		counter = &Counter{lastReset: now, lastBurst: now}
		rl.counts[key] = counter
	}

	// Still banned
	if limit.BanThreshold > 0 && counter.banCount >= limit.BanThreshold {
		if now.Sub(counter.lastBanTime) <= limit.BanDuration {
			return false
		}
		counter.banCount = 0
		counter.count = 0
		counter.lastReset = now
	}

	if now.Sub(counter.lastReset) > limit.WindowSize {
		counter.count = 0
		counter.lastReset = now
	}
	if now.Sub(counter.lastBurst) > limit.WindowSize {
		counter.burstCount = 0
		counter.lastBurst = now
	}

	if counter.burstCount < limit.BurstSize {
		counter.burstCount++
		counter.count++
		return true
	}
	if counter.count < limit.MaxEvents {
		counter.count++
		return true
	}

	counter.banCount++
	counter.lastBanTime = now
	if limit.BanThreshold > 0 && counter.banCount >= limit.BanThreshold {
		rl.log.Warn("Rate limit exceeded, client banned",
			zap.String("key", key),
			zap.Int("ban_count", counter.banCount),
			zap.Duration("ban_duration", limit.BanDuration))
	} else {
		rl.log.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", counter.count),
			zap.Int("burst_count", counter.burstCount))
	}
	return false
}

// Reset clears the counter for key.
func (rl *RateLimiter) Reset(key string) {
	if rl == nil {
		return
	}
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.counts, key)
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	if rl == nil {
		return 0
	}
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.counts)
}

// Cleanup removes counters idle for longer than maxIdle that are not banned.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	if rl == nil {
		return
	}
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for key, counter := range rl.counts {
		if now.Sub(counter.lastReset) > maxIdle && now.Sub(counter.lastBanTime) > rl.limit.BanDuration {
			delete(rl.counts, key)
		}
	}
}

// RunCleanup calls Cleanup every interval until stop is closed.
func (rl *RateLimiter) RunCleanup(stop <-chan struct{}, interval time.Duration) {
	if rl == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Cleanup(time.Hour)
		}
	}
}
