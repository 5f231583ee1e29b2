package governance

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiterConfig defines the limit for one trigger route.
type RateLimiterConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst"`
}

// RateLimiter implements token bucket rate limiting per route. Routes without a
// configured limit are never throttled.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*tokenBucket), now: time.Now}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-route limits. Existing buckets keep their tokens,
// capped at the new capacity.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	next := make(map[string]*tokenBucket, len(config))
	for route, cfg := range config {
		if bucket, ok := rl.buckets[route]; ok {
			bucket.configure(cfg, rl.now())
			next[route] = bucket
			continue
		}
		next[route] = newTokenBucket(cfg, rl.now())
	}
	rl.buckets = next
}

// Allow consumes one token for route and reports whether the request may proceed.
func (rl *RateLimiter) Allow(route string) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[route]
	now := rl.now()
	rl.mu.RUnlock()
	if !ok {
		return true
	}
	return bucket.take(now)
}

// Stats returns current rate limit statistics for all routes.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for route, bucket := range rl.buckets {
		stats[route] = bucket.stats(rl.now())
	}
	return stats
}

// Middleware rejects requests to route with 429 once its bucket is empty.
func (rl *RateLimiter) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(route) {
			st := rl.Stats()[route]
			WriteRateLimitHeaders(w, st.BurstSize, int(math.Floor(st.Available)), rl.now().Add(time.Second))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"RATE_LIMITED","message":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Rate      float64 `json:"rate"`
	BurstSize int     `json:"burstSize"`
	Available float64 `json:"available"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(cfg RateLimiterConfig, now time.Time) *tokenBucket {
	tb := &tokenBucket{lastRefill: now}
	tb.rate, tb.capacity = normalise(cfg)
	tb.tokens = tb.capacity
	return tb
}

func normalise(cfg RateLimiterConfig) (rate, capacity float64) {
	rate = cfg.RequestsPerSecond
	if rate <= 0 {
		rate = 1
	}
	capacity = float64(cfg.BurstSize)
	if capacity <= 0 {
		capacity = math.Max(1, math.Ceil(rate))
	}
	return rate, capacity
}

func (tb *tokenBucket) configure(cfg RateLimiterConfig, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	tb.rate, tb.capacity = normalise(cfg)
	tb.tokens = math.Min(tb.tokens, tb.capacity)
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.capacity, tb.tokens+elapsed*tb.rate)
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(now)
	return RateLimitStats{Rate: tb.rate, BurstSize: int(tb.capacity), Available: tb.tokens}
}

// WriteRateLimitHeaders adds rate limit status headers to the response.
func WriteRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetTime time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime.Unix(), 10))
}
