package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/obot-platform/mcp-oauth-vault/pkg/handlerutils"
	"github.com/obot-platform/mcp-oauth-vault/pkg/types"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key, allowing max requests per window.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	lock     sync.Mutex
	window   time.Duration
	max      int
	now      func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if max < 1 {
		max = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		window:   window,
		max:      max,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	now := rl.now()
	entry, ok := rl.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.max)), rl.max),
		}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now

	return entry.limiter.AllowN(now, 1)
}

// Prune forgets keys idle for longer than one window. A forgotten key starts with a full bucket.
func (rl *RateLimiter) Prune() int {
	rl.lock.Lock()
	defer rl.lock.Unlock()

	cutoff := rl.now().Add(-rl.window)
	count := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			count++
		}
	}
	return count
}

// Middleware rejects requests from a client IP that exceeded its budget.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(handlerutils.GetClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
				Error:            types.ErrorTooManyRequests,
				ErrorDescription: "Too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
