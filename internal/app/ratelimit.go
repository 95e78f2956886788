package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter hands out one token bucket per session id.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = int(rps * 2)
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether key may make another request now. A non-positive
// rate disables limiting.
func (rl *rateLimiter) Allow(key string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	entry, ok := rl.limiters[key]
	if !ok {
		rl.sweep(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops buckets that have not been used for a while.
func (rl *rateLimiter) sweep(now time.Time) {
	for key, entry := range rl.limiters {
		if now.Sub(entry.seen) > rl.idle {
			delete(rl.limiters, key)
		}
	}
}
