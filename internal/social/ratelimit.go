package social

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per bot.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*botLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type botLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Defaults applied when a limiter is built with non-positive settings.
const (
	DefaultRateLimitRPS   = 5
	DefaultRateLimitBurst = 10
)

// NewRateLimiter allows rps sustained requests per bot with the given burst.
// Non-positive values fall back to DefaultRateLimitRPS and DefaultRateLimitBurst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = DefaultRateLimitRPS
	}
	if burst <= 0 {
		burst = DefaultRateLimitBurst
	}
	return &RateLimiter{
		limiters: make(map[string]*botLimiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bl, ok := rl.limiters[key]
	if !ok {
		bl = &botLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = bl
	}
	bl.lastSeen = now
	return bl.limiter.AllowN(now, 1)
}

// Cleanup forgets limiters idle for longer than maxIdle.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	for key, bl := range rl.limiters {
		if bl.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// Run periodically cleans idle limiters until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(10 * time.Minute)
		}
	}
}
