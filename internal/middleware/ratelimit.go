package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/response"
)

// Counter is the Redis surface the limiter needs. database.RedisClient
// satisfies it and fails fast while degraded.
type Counter interface {
	SafeIncr(ctx context.Context, key string) *redis.IntCmd
	SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	IsDegraded() bool
}

// RateLimiter limits requests per user (or per IP before auth) with a
// fixed window. Redis holds the counters so every relay instance shares
// them; while Redis is degraded or absent, counting falls back to memory.
type RateLimiter struct {
	counter  Counter
	requests int
	window   time.Duration
	memory   *InMemoryRateLimiter
}

// NewRateLimiter creates a limiter. counter may be nil.
func NewRateLimiter(counter Counter, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counter:  counter,
		requests: requests,
		window:   window,
		memory:   NewInMemoryRateLimiter(),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID := c.GetString("user_id"); userID != "" {
			identifier = "user:" + userID
		}

		allowed, remaining, resetAt := rl.Allow(c.Request.Context(), identifier)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, apperrors.ErrCodeNetwork, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// Allow counts one request for identifier
func (rl *RateLimiter) Allow(ctx context.Context, identifier string) (bool, int, int64) {
	if rl.counter != nil && !rl.counter.IsDegraded() {
		allowed, remaining, resetAt, err := rl.checkRedis(ctx, identifier)
		if err == nil {
			return allowed, remaining, resetAt
		}
		logger.Warn("Redis rate limit check failed, using in-memory fallback",
			zap.String("identifier", identifier),
			zap.Error(err))
	}
	return rl.memory.Check(identifier, rl.requests, rl.window)
}

// checkRedis counts into ratelimit:<identifier>:<window index>
func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (bool, int, int64, error) {
	windowIndex := time.Now().Unix() / int64(rl.window.Seconds())
	key := fmt.Sprintf("ratelimit:%s:%d", identifier, windowIndex)
	resetAt := (windowIndex + 1) * int64(rl.window.Seconds())

	count, err := rl.counter.SafeIncr(ctx, key).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := rl.counter.SafeExpire(ctx, key, rl.window).Err(); err != nil {
			return false, 0, 0, fmt.Errorf("failed to set rate limit ttl: %w", err)
		}
	}

	remaining := rl.requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= rl.requests, remaining, resetAt, nil
}

const maxTrackedIdentifiers = 10000

// InMemoryRateLimiter provides in-memory rate limiting as fallback when Redis is degraded
type InMemoryRateLimiter struct {
	mu     sync.Mutex
	limits map[string]*userRateLimit
}

type userRateLimit struct {
	count       int
	windowStart int64
}

// NewInMemoryRateLimiter creates a new in-memory rate limiter
func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		limits: make(map[string]*userRateLimit),
	}
}

// Check counts one request for identifier in the current window
func (im *InMemoryRateLimiter) Check(identifier string, requests int, window time.Duration) (bool, int, int64) {
	im.mu.Lock()
	defer im.mu.Unlock()

	now := time.Now().Unix()
	windowStart := now - now%int64(window.Seconds())

	if len(im.limits) > maxTrackedIdentifiers {
		for id, l := range im.limits {
			if l.windowStart != windowStart {
				delete(im.limits, id)
			}
		}
	}

	limiter, exists := im.limits[identifier]
	if !exists || limiter.windowStart != windowStart {
		limiter = &userRateLimit{windowStart: windowStart}
		im.limits[identifier] = limiter
	}
	limiter.count++

	remaining := requests - limiter.count
	if remaining < 0 {
		remaining = 0
	}
	return limiter.count <= requests, remaining, windowStart + int64(window.Seconds())
}
