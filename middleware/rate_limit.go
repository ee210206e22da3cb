package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docflow/custody/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter decides whether one more request for key fits in the window
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
}

// RateLimiter is a fixed-window in-process limiter
type RateLimiter struct {
	mu        sync.Mutex
	tokens    map[string]int
	lastReset time.Time
	rate      int           // requests per window
	window    time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		tokens:    make(map[string]int),
		lastReset: time.Now(),
		rate:      rate,
		window:    window,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Reset if window has passed
	if time.Since(l.lastReset) > l.window {
		l.tokens = make(map[string]int)
		l.lastReset = time.Now()
	}

	count := l.tokens[key]
	if count >= l.rate {
		return false, 0, nil
	}
	l.tokens[key] = count + 1
	return true, l.rate - count - 1, nil
}

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisRateLimiter shares a fixed window across every instance using redis
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	rate   int
	window time.Duration
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string, rate int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: prefix, rate: rate, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	windowMillis := l.window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	current, err := redisAllowScript.Run(ctx, l.client, []string{l.prefix + ":ratelimit:" + key}, windowMillis).Int64()
	if err != nil {
		return false, 0, err
	}
	if current > int64(l.rate) {
		return false, 0, nil
	}
	return true, l.rate - int(current), nil
}

// RateLimit middleware limits requests per IP with an in-process limiter
func RateLimit(rate int, window time.Duration) gin.HandlerFunc {
	return RateLimitWith(NewRateLimiter(rate, window))
}

// RateLimitWith limits requests per IP using limiter. Limiter errors let
// the request through.
func RateLimitWith(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()

		allowed, remaining, err := limiter.Allow(c.Request.Context(), clientIP)
		if err != nil {
			logger.Warn(c.Request.Context(), "rate limiter unavailable",
				zap.String("client_ip", clientIP),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !allowed {
			logger.Warn(c.Request.Context(), "rate limit exceeded",
				zap.String("client_ip", clientIP),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
