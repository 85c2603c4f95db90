package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller key (API client or remote
// address) for the enqueue endpoint.
type RateLimiter struct {
	mu        sync.Mutex
	callers   map[string]*entry
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

// New creates a RateLimiter allowing perSecond sustained enqueues per caller
// with bursts of up to burst.
func New(perSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		callers: make(map[string]*entry),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether caller may enqueue now, consuming a token if so.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.callers[caller]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.callers[caller] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	if now.Sub(rl.lastSweep) > idleTTL {
		rl.sweep(now)
	}
	return allowed
}

// sweep drops callers idle for longer than idleTTL.
func (rl *RateLimiter) sweep(now time.Time) {
	for k, e := range rl.callers {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(rl.callers, k)
		}
	}
	rl.lastSweep = now
}

// Callers returns the number of tracked callers.
func (rl *RateLimiter) Callers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.callers)
}
