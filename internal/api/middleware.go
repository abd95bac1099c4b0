// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/ScriptFlowMCP/internal/utils"
)

// RateLimiter implements a simple rate limiter using a token bucket algorithm
type RateLimiter struct {
	visitors map[string]*Visitor
	mu       sync.RWMutex
}

// Visitor represents a client with rate limiting data
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*Visitor),
	}

	// Start cleanup goroutine to remove old entries
	go rl.cleanup()

	return rl
}

// cleanup removes visitors whose window has expired
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, visitor := range rl.visitors {
			if now.After(visitor.Reset) {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow checks if a visitor is allowed to make a request
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	visitor, exists := rl.visitors[key]

	if !exists || now.After(visitor.Reset) {
		rl.visitors[key] = &Visitor{
			Limit:     limit,
			Remaining: limit - 1,
			Reset:     now.Add(window),
		}
		return true
	}

	if visitor.Remaining <= 0 {
		return false
	}

	visitor.Remaining--
	return true
}

// GetRateLimitHeaders returns the rate limit headers
func (rl *RateLimiter) GetRateLimitHeaders(key string, limit int, window time.Duration) (int, int, int64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	visitor, exists := rl.visitors[key]
	if !exists {
		return limit, limit, time.Now().Add(window).Unix()
	}

	remaining := visitor.Remaining
	if remaining < 0 {
		remaining = 0
	}

	return limit, remaining, visitor.Reset.Unix()
}

// Global rate limiter instance
var rateLimiter = NewRateLimiter()

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)

		if !rateLimiter.Allow(key, limit, window) {
			limit, remaining, reset := rateLimiter.GetRateLimitHeaders(key, limit, window)

			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":   false,
				"error":     "Rate limit exceeded",
				"code":      "RATE_LIMIT_EXCEEDED",
				"timestamp": time.Now().Format(time.RFC3339),
			})
			c.Abort()
			return
		}

		limit, remaining, reset := rateLimiter.GetRateLimitHeaders(key, limit, window)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset))

		c.Next()
	}
}

// RateLimitByIP applies rate limiting based on client IP address
func RateLimitByIP(limit int, window time.Duration) gin.HandlerFunc {
	return RateLimitMiddleware(limit, window, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// AIOperationRateLimit applies rate limiting for AI task submission endpoints.
// These are the expensive calls, so the budget is per blueprint.
func AIOperationRateLimit() gin.HandlerFunc {
	// 20 submissions per minute per blueprint
	return RateLimitMiddleware(20, time.Minute, func(c *gin.Context) string {
		if id := c.Param("id"); id != "" {
			return "blueprint:" + id
		}
		return c.ClientIP()
	})
}

// DefaultRateLimit applies general rate limiting for most API endpoints
func DefaultRateLimit() gin.HandlerFunc {
	// 100 requests per minute by IP
	return RateLimitByIP(100, time.Minute)
}

// RequestIDMiddleware 为每个请求分配唯一ID，响应信封透传
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// MetricsMiddleware 记录每个请求的指标
func MetricsMiddleware(metrics *utils.APIMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		metrics.RecordAPIRequest(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
