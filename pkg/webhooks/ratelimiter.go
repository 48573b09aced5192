package webhooks

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter implements token bucket rate limiting per endpoint. Each
// endpoint gets a bucket of perMinute tokens refilled evenly over a minute.
type RateLimiter struct {
	buckets map[string]*bucket
	mutex   sync.Mutex
}

type bucket struct {
	perMinute int
	limiter   *rate.Limiter
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token for the endpoint. A non-positive perMinute means
// unlimited. Changing perMinute replaces the bucket.
func (rl *RateLimiter) Allow(endpointID string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}

	rl.mutex.Lock()
	b, exists := rl.buckets[endpointID]
	if !exists || b.perMinute != perMinute {
		b = &bucket{
			perMinute: perMinute,
			limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		}
		rl.buckets[endpointID] = b
	}
	rl.mutex.Unlock()

	return b.limiter.Allow()
}

// Reset forgets the bucket of an endpoint
func (rl *RateLimiter) Reset(endpointID string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, endpointID)
}

// Remaining returns the whole tokens left for an endpoint, or -1 when the
// endpoint has no bucket yet
func (rl *RateLimiter) Remaining(endpointID string) int {
	rl.mutex.Lock()
	b, exists := rl.buckets[endpointID]
	rl.mutex.Unlock()

	if !exists {
		return -1
	}
	return int(b.limiter.Tokens())
}
