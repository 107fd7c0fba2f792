package proxy

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a per-client-IP connection rate limit ahead of the
// TLS handshake, so abusive peers are shed cheaply.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex

	perSecond rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter allowing perSecond new connections per
// client IP with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: rate.Limit(perSecond),
		burst:     burst,
	}
}

// Allow reports whether a new connection from clientIP may proceed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rl.perSecond, rl.burst)
		rl.limiters[clientIP] = limiter

		// Keep the map bounded; connection sources churn.
		if len(rl.limiters) > 10000 {
			rl.limiters = map[string]*rate.Limiter{clientIP: limiter}
		}
	}
	rl.mu.Unlock()

	return limiter.Allow()
}
