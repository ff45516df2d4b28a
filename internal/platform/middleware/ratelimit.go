package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// Limiter defaults to an in-process token bucket per key.
	Limiter Limiter
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// Limiter decides whether a request identified by key may proceed. When it
// may not, retryAfter is the suggested wait in seconds.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int, err error)
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) take() (bool, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillRate <= 0 {
		return false, 1
	}
	return false, int((1-b.tokens)/b.refillRate) + 1
}

// memoryLimiter holds per-key token buckets.
type memoryLimiter struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	rate    float64
	burst   int
}

// NewMemoryLimiter returns a Limiter that keeps one token bucket per key.
func NewMemoryLimiter(rate float64, burst int) Limiter {
	return &memoryLimiter{buckets: make(map[string]*tokenBucket), rate: rate, burst: burst}
}

func (s *memoryLimiter) bucket(key string) *tokenBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(s.rate, s.burst)
	s.buckets[key] = b
	return b
}

func (s *memoryLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	ok, retry := s.bucket(key).take()
	return ok, retry, nil
}

// RateLimit limits requests per client IP, scoped by tenant when known.
// Limiter errors let the request through.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter(cfg.RequestsPerSecond, cfg.BurstSize)
	}
	limitHeader := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP()
			if tenantID, ok := c.Get("jwt_tenant_id").(string); ok && tenantID != "" {
				key = tenantID + ":" + key
			}

			allowed, retryAfter, err := limiter.Allow(c.Request().Context(), key)
			if err != nil {
				c.Logger().Warnf("rate limiter unavailable: %v", err)
				allowed = true
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			if !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
