package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked rate-limit keys to prevent
// memory exhaustion from attackers rotating sender IDs.
const maxTrackedKeys = 4096

// SenderRateLimiter bounds inbound message rate per sender with a token
// bucket per key. Safe for concurrent use. A nil limiter allows everything.
type SenderRateLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

// NewSenderRateLimiter creates a limiter allowing rpm requests per minute per
// key. rpm <= 0 disables limiting (Allow always returns true).
func NewSenderRateLimiter(rpm int) *SenderRateLimiter {
	if rpm <= 0 {
		return nil
	}
	return &SenderRateLimiter{
		rpm:      rpm,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the key is within its rate limit and consumes one
// token if so.
func (r *SenderRateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		// Hard eviction at cap (arbitrary victim via map iteration).
		for len(r.limiters) >= maxTrackedKeys {
			for k := range r.limiters {
				delete(r.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(r.rpm)/60, r.rpm)
		r.limiters[key] = lim
	}
	r.mu.Unlock()

	return lim.Allow()
}
