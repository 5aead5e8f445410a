// Package ratelimiter throttles API requests per caller.
//
// Each caller gets its own token bucket, so one user hammering the access
// endpoints cannot starve everyone else. Buckets are created lazily and the
// whole table is reset when it grows past maxBuckets, which is cheaper than
// per-bucket expiry and harmless: a reset just refills everyone's burst.
package ratelimiter

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxBuckets bounds memory for pathological caller churn.
const maxBuckets = 10_000

// Limiter hands out per-key token buckets with a shared rate and burst.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained per caller with
// the given burst capacity. requestsPerSecond <= 0 disables limiting.
func New(requestsPerSecond float64, burst int) *Limiter {
	if requestsPerSecond <= 0 {
		return &Limiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether the limiter actually limits.
func (l *Limiter) Enabled() bool {
	return l != nil && l.buckets != nil
}

// Allow consumes one token from key's bucket, reporting whether the request
// may proceed. Always true when limiting is disabled.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.buckets = make(map[string]*rate.Limiter)
		}
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
	}
	return b.Allow()
}
