// Package api implements the admin REST API of the bridge.
package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/teebridge/internal/config"
)

// AuthMiddleware verifies the static bearer token configured for the API.
type AuthMiddleware struct {
	cfg *config.Config
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg}
}

// RequireAuth returns a Gin middleware that checks the Authorization header.
// When auth_disabled is true in config, all requests are treated as a local admin.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		security := am.cfg.GetApplicationData().Security

		// Bypass auth when disabled (local mode)
		if security.AuthDisabled {
			c.Set("api_user", "local-admin")
			c.Next()
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid authorization header",
			})
			c.Abort()
			return
		}

		if security.APIToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(security.APIToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token",
			})
			c.Abort()
			return
		}

		c.Set("api_user", "token")
		c.Next()
	}
}

// IPWhitelist returns a middleware that restricts access to whitelisted IPs.
// Entries are plain addresses or CIDR ranges; an empty list allows everyone.
func IPWhitelist(whitelist []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(whitelist) == 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		for _, ip := range whitelist {
			if clientIP == ip {
				c.Next()
				return
			}
			// Check CIDR
			if _, cidr, err := net.ParseCIDR(ip); err == nil {
				if cidr.Contains(net.ParseIP(clientIP)) {
					c.Next()
					return
				}
			}
		}

		c.JSON(http.StatusForbidden, gin.H{
			"error": "access denied: IP not whitelisted",
		})
		c.Abort()
	}
}

// RateLimiter implements a simple token bucket rate limiter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rate    int
	burst   int
}

const maxTrackedClients = 4096

type clientBucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewRateLimiter creates a rate limiter with the specified requests per second.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientBucket),
		rate:    rps,
		burst:   rps * 2, // Allow burst of 2x rate
	}
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.rate <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()

		rl.mu.Lock()
		bucket, exists := rl.clients[clientIP]
		if !exists {
			if len(rl.clients) >= maxTrackedClients {
				rl.evictIdle(time.Now())
			}
			bucket = &clientBucket{
				tokens:    float64(rl.burst),
				lastCheck: time.Now(),
			}
			rl.clients[clientIP] = bucket
		}

		// Refill tokens
		now := time.Now()
		elapsed := now.Sub(bucket.lastCheck).Seconds()
		bucket.tokens += elapsed * float64(rl.rate)
		if bucket.tokens > float64(rl.burst) {
			bucket.tokens = float64(rl.burst)
		}
		bucket.lastCheck = now

		if bucket.tokens < 1 {
			rl.mu.Unlock()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}

		bucket.tokens--
		rl.mu.Unlock()

		c.Next()
	}
}

// evictIdle drops buckets that have refilled completely. Callers hold mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	full := time.Duration(float64(rl.burst) / float64(rl.rate) * float64(time.Second))
	for ip, b := range rl.clients {
		if now.Sub(b.lastCheck) > full {
			delete(rl.clients, ip)
		}
	}
}

// SecurityHeaders adds security-related HTTP headers.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Server", "TeeBridge")

		// Only apply strict security headers to API routes.
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Header("X-Frame-Options", "DENY")
			c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		}

		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Msg("api request")
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
