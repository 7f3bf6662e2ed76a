package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	CleanupInterval   time.Duration
}

// IPRateLimiter manages rate limiters for different IP addresses
type IPRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	config   RateLimitConfig
}

// NewIPRateLimiter starts a cleanup loop that stops with ctx.
func NewIPRateLimiter(ctx context.Context, config RateLimitConfig) *IPRateLimiter {
	limiter := &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}

	if config.CleanupInterval > 0 {
		go limiter.cleanupRoutine(ctx)
	}
	return limiter
}

// GetLimiter returns the rate limiter for a specific IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(i.config.RequestsPerSecond), i.config.BurstSize)
		i.limiters[ip] = limiter
	}
	return limiter
}

// Size is the number of tracked addresses.
func (i *IPRateLimiter) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.limiters)
}

// Cleanup forgets limiters whose bucket has refilled.
func (i *IPRateLimiter) Cleanup() {
	i.mu.Lock()
	defer i.mu.Unlock()

	for ip, limiter := range i.limiters {
		if limiter.Tokens() >= float64(i.config.BurstSize) {
			delete(i.limiters, ip)
		}
	}
}

func (i *IPRateLimiter) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.Cleanup()
		}
	}
}

// getClientIP extracts the real client IP address from the request
func getClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		ip, _, _ := strings.Cut(forwarded, ",")
		ip = strings.TrimSpace(ip)
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if realIP := c.GetHeader("X-Real-IP"); realIP != "" && net.ParseIP(realIP) != nil {
		return realIP
	}

	ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.GetLimiter(getClientIP(c)).Allow() {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

var (
	// StandardRateLimit for general API endpoints
	StandardRateLimit = RateLimitConfig{
		RequestsPerSecond: 30,
		BurstSize:         50,
		CleanupInterval:   5 * time.Minute,
	}

	// LenientRateLimit for read-only endpoints
	LenientRateLimit = RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		CleanupInterval:   5 * time.Minute,
	}
)
