package llm

import (
	"sync"
	"time"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(key string) bool
	Reset(key string)
}

// TokenBucketLimiter implements token bucket rate limiting
type TokenBucketLimiter struct {
	buckets  map[string]*TokenBucket
	rate     int           // tokens per interval
	capacity int           // max tokens
	interval time.Duration // refill interval
	now      func() time.Time
	mu       sync.RWMutex
}

// TokenBucket represents a single token bucket
type TokenBucket struct {
	tokens     int
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucketLimiter allows capacity calls per key in a burst and
// refills rate tokens every interval.
func NewTokenBucketLimiter(rate, capacity int, interval time.Duration) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets:  make(map[string]*TokenBucket),
		rate:     rate,
		capacity: capacity,
		interval: interval,
		now:      time.Now,
	}
}

// Allow checks if a request is allowed
func (l *TokenBucketLimiter) Allow(key string) bool {
	bucket := l.getOrCreateBucket(key)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := l.now()
	if intervals := int(now.Sub(bucket.lastRefill) / l.interval); intervals > 0 {
		bucket.tokens = min(bucket.tokens+intervals*l.rate, l.capacity)
		bucket.lastRefill = bucket.lastRefill.Add(time.Duration(intervals) * l.interval)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}

	return false
}

// Reset resets the rate limit for a key
func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
}

// getOrCreateBucket gets or creates a bucket for a key
func (l *TokenBucketLimiter) getOrCreateBucket(key string) *TokenBucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if bucket, exists := l.buckets[key]; exists {
		return bucket
	}

	bucket = &TokenBucket{
		tokens:     l.capacity,
		lastRefill: l.now(),
	}

	l.buckets[key] = bucket
	return bucket
}
