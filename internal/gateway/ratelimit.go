package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the bucket map. When exceeded, the map is
// dropped wholesale; buckets refill from scratch after that.
const maxTrackedClients = 1024

// RateLimiter enforces a per-client request budget on the control-plane
// WebSocket, one token bucket per client ID.
//
//	rpm > 0  → enabled at that rate
//	rpm <= 0 → disabled, all requests allowed
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rpm     int
	burst   int
}

// NewRateLimiter creates a limiter allowing rpm requests per minute with the
// given burst per client.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if rpm <= 0 {
		return &RateLimiter{rpm: rpm}
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		rpm:     rpm,
		burst:   burst,
	}
}

// Enabled reports whether the limiter is active.
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.rpm > 0
}

// Allow reports whether the client identified by key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.buckets) >= maxTrackedClients {
		r.buckets = make(map[string]*rate.Limiter)
	}
	lim, ok := r.buckets[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.buckets[key] = lim
	}
	return lim.Allow()
}
