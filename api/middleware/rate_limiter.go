package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes the per-caller token buckets.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// CleanupInterval is how often idle buckets are discarded.
	CleanupInterval time.Duration
}

// CallerRateLimiter keeps one token bucket per caller. Pushing agents often
// sit behind shared NAT, so the bucket key is the API key when the request
// carries one and the client IP otherwise.
type CallerRateLimiter struct {
	buckets map[string]*bucketEntry
	mu      sync.Mutex
	config  RateLimiterConfig
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewCallerRateLimiter(config RateLimiterConfig) *CallerRateLimiter {
	rl := &CallerRateLimiter{
		buckets: make(map[string]*bucketEntry),
		config:  config,
	}

	go rl.cleanupStaleBuckets()

	return rl
}

func (rl *CallerRateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.buckets[key]
	if !exists {
		limiter := rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
		rl.buckets[key] = &bucketEntry{
			limiter:  limiter,
			lastSeen: time.Now(),
		}
		return limiter
	}

	entry.lastSeen = time.Now()
	return entry.limiter
}

func (rl *CallerRateLimiter) cleanupStaleBuckets() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, entry := range rl.buckets {
			if now.Sub(entry.lastSeen) > rl.config.CleanupInterval {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware enforcing the per-caller limit.
func (rl *CallerRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(apiKeyHeader)
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.limiterFor(key).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Default limiter: 100 requests per second with burst of 200.
var DefaultRateLimiter = NewCallerRateLimiter(RateLimiterConfig{
	RequestsPerSecond: 100,
	BurstSize:         200,
	CleanupInterval:   5 * time.Minute,
})

// RateLimit applies the default limiter.
func RateLimit() gin.HandlerFunc {
	return DefaultRateLimiter.Middleware()
}
