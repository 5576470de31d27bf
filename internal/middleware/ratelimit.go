// ratelimit.go provides Gin middleware that enforces per-client token-bucket limits on
// the audit read endpoints, whose filtered pagination queries are the most expensive
// reads the API serves. Over-limit requests get 429 with a Retry-After header.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// AuditReadRateLimitConfig returns the limits used for audit dashboards when
// the configuration leaves them unset.
func AuditReadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120, // dashboards poll recent activity every few seconds
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// idleBucketTTL is how long a bucket may go untouched before cleanup drops it.
const idleBucketTTL = 10 * time.Minute

type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements a token bucket rate limiter keyed by client
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call Stop
// to end it.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, entry := range rl.entries {
		if now.Sub(entry.lastUpdate) > idleBucketTTL {
			delete(rl.entries, key)
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopped.Do(func() { close(rl.stopCh) })
}

// refill returns the bucket's token count at now without mutating it.
func (rl *RateLimiter) refill(entry *rateLimitEntry, now time.Time) float64 {
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	tokens := entry.tokens + now.Sub(entry.lastUpdate).Seconds()*perSecond
	return min(float64(rl.config.BurstSize), tokens)
}

// Allow takes one token for key and reports whether the request may proceed,
// together with the whole tokens left afterwards.
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.entries[key]
	if !exists {
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	}

	entry.tokens = rl.refill(entry, now)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true, int(entry.tokens)
	}
	return false, int(entry.tokens)
}

// retryAfter is the whole number of seconds until one token is available.
func (rl *RateLimiter) retryAfter() int {
	if rl.config.RequestsPerMinute <= 0 {
		return 60
	}
	secs := 60 / rl.config.RequestsPerMinute
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimitMiddleware rejects requests once the caller's bucket is empty
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, remaining := limiter.Allow(rateLimitKey(c))

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.config.RequestsPerMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retry := limiter.retryAfter()
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// rateLimitKey buckets signed-in users by ID and everyone else by client IP.
func rateLimitKey(c *gin.Context) string {
	if actor := ActorFrom(c); actor != nil {
		return "user:" + strconv.FormatInt(actor.UserID, 10)
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
