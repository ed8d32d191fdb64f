// Package ratelimit implements the token-bucket rate limiter (spec.md
// §4.12) shared by the webhook (per source IP) and registry/callback
// (per token id) HTTP surfaces.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config configures one Limiter instance.
type Config struct {
	// BurstSize is the bucket capacity.
	BurstSize float64
	// RequestsPerMinute is the refill rate; tokens accrue at
	// RequestsPerMinute/60 per second.
	RequestsPerMinute float64
	// IdleEvictionAfter is how long an untouched bucket is kept before
	// eviction; spec.md §4.12 calls for 5 minutes.
	IdleEvictionAfter time.Duration
}

// DefaultConfig matches spec.md §4.12's defaults for a general API key.
func DefaultConfig() Config {
	return Config{
		BurstSize:         20,
		RequestsPerMinute: 60,
		IdleEvictionAfter: 5 * time.Minute,
	}
}

// Decision reports whether a request is admitted, and if not, how long
// the caller should wait before retrying.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastTouch  time.Time
}

// Limiter is a per-key token bucket. One Limiter instance is shared
// across all requests for one keying strategy (source IP or token id);
// callers select the strategy per route per spec.md §4.12.
type Limiter struct {
	cfg Config
	mu  sync.Mutex
	now func() time.Time

	buckets map[string]*bucket
}

// New returns a Limiter. now defaults to time.Now; tests may override it
// to make refill/eviction deterministic.
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{cfg: cfg, now: now, buckets: make(map[string]*bucket)}
}

// Allow checks and, if admitted, consumes one token for key.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictIdleLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.BurstSize, lastRefill: now}
		l.buckets[key] = b
	}

	rate := l.cfg.RequestsPerMinute / 60
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(l.cfg.BurstSize, b.tokens+elapsed*rate)
	b.lastRefill = now
	b.lastTouch = now

	if b.tokens < 1 {
		var retryAfter time.Duration
		if rate > 0 {
			retryAfter = time.Duration(math.Ceil((1-b.tokens)/rate)) * time.Second
		}
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}

	b.tokens--
	return Decision{Allowed: true}
}

// evictIdleLocked drops buckets untouched for longer than
// IdleEvictionAfter. Must be called with mu held.
func (l *Limiter) evictIdleLocked(now time.Time) {
	if l.cfg.IdleEvictionAfter <= 0 {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastTouch) > l.cfg.IdleEvictionAfter {
			delete(l.buckets, key)
		}
	}
}

// BucketCount reports the number of tracked keys, mainly for metrics and
// tests.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RetryAfterHeader formats d the way an HTTP Retry-After header expects:
// whole seconds, minimum 1.
func RetryAfterHeader(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%d", secs)
}
