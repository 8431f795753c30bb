package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig defines a token bucket.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops buckets unused for this long. Zero keeps them forever.
	IdleTTL time.Duration
}

// KeyedRateLimiter keeps one token bucket per key.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	config  RateLimiterConfig
	buckets map[string]*keyedBucket
	now     func() time.Time
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Reservation describes the outcome of Allow.
type Reservation struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewKeyedRateLimiter creates a keyed limiter.
func NewKeyedRateLimiter(config RateLimiterConfig) *KeyedRateLimiter {
	if config.BurstSize <= 0 {
		config.BurstSize = int(math.Max(1, math.Ceil(config.RequestsPerSecond)))
	}
	return &KeyedRateLimiter{
		config:  config,
		buckets: make(map[string]*keyedBucket),
		now:     time.Now,
	}
}

// Allow takes one token from the bucket of key.
func (l *KeyedRateLimiter) Allow(key string) Reservation {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)

	bucket, ok := l.buckets[key]
	if !ok {
		bucket = &keyedBucket{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize)}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now

	res := Reservation{Limit: l.config.BurstSize}
	if bucket.limiter.AllowN(now, 1) {
		res.Allowed = true
		res.Remaining = int(math.Max(0, math.Floor(bucket.limiter.TokensAt(now))))
		return res
	}

	if l.config.RequestsPerSecond > 0 {
		missing := 1 - bucket.limiter.TokensAt(now)
		res.RetryAfter = time.Duration(missing / l.config.RequestsPerSecond * float64(time.Second))
	}
	return res
}

// Len returns the number of tracked buckets.
func (l *KeyedRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedRateLimiter) evictLocked(now time.Time) {
	if l.config.IdleTTL <= 0 {
		return
	}
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) > l.config.IdleTTL {
			delete(l.buckets, key)
		}
	}
}

// WriteRateLimitHeaders sets the conventional rate limit headers.
func WriteRateLimitHeaders(h http.Header, res Reservation) {
	h.Set("X-Rate-Limit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-Rate-Limit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Allowed {
		seconds := int(math.Ceil(res.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		h.Set("Retry-After", strconv.Itoa(seconds))
	}
}
