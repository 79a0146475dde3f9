package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/config"
	otelpkg "github.com/basket/agentcore/internal/otel"
)

// TokenBucket refills continuously at rpm/60 tokens per second up to burst.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
}

func NewTokenBucket(requestsPerMinute, burstSize int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token when one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

// RetryAfter is how long until the next token, rounded up to whole seconds.
func (tb *TokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	missing := 1.0 - tb.tokens
	if missing <= 0 || tb.refillRate <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(missing/tb.refillRate)) * time.Second
}

func (tb *TokenBucket) refill(now time.Time) {
	tb.tokens = min(tb.maxTokens, tb.tokens+now.Sub(tb.lastRefill).Seconds()*tb.refillRate)
	tb.lastRefill = now
	tb.lastAccess = now
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware keeps one bucket per caller: the bearer token when one
// is sent, the remote host otherwise.
type RateLimitMiddleware struct {
	enabled bool
	rpm     int
	burst   int
	logger  *slog.Logger
	metrics *otelpkg.Metrics

	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewRateLimitMiddleware applies the 60 rpm / burst 10 defaults to unset
// limits. logger and metrics may be nil.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *slog.Logger, metrics *otelpkg.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimitMiddleware{
		enabled: cfg.Enabled,
		rpm:     cfg.RequestsPerMinute,
		burst:   cfg.BurstSize,
		logger:  logger,
		metrics: metrics,
		buckets: make(map[string]*TokenBucket),
	}
	if rl.rpm <= 0 {
		rl.rpm = 60
	}
	if rl.burst <= 0 {
		rl.burst = 10
	}
	return rl
}

// StartEviction periodically drops buckets idle for longer than maxAge.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	if !rl.enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap applies the limit to every route except /healthz. Rejections carry
// Retry-After in whole seconds.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := callerKey(r)
		b := rl.bucket(key)
		if !b.Allow() {
			rl.metrics.RecordRateLimited(r.Context(), r.URL.Path)
			rl.logger.Debug("rate limited", "route", r.URL.Path, "caller", redactCaller(key))
			w.Header().Set("Retry-After", strconv.Itoa(int(b.RetryAfter()/time.Second)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// redactCaller keeps token-keyed callers out of the logs.
func redactCaller(key string) string {
	if len(key) > 4 && key[:4] == "key:" {
		return "key:***"
	}
	return key
}

func (rl *RateLimitMiddleware) bucket(key string) *TokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok = rl.buckets[key]; ok {
		return b
	}
	b = NewTokenBucket(rl.rpm, rl.burst)
	rl.buckets[key] = b
	return b
}
