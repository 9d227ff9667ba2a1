package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/prodpipe/prodpipe/internal/config"
	"github.com/prodpipe/prodpipe/internal/pipeline"
	"github.com/prodpipe/prodpipe/pkg/observability"
)

// AuthMiddleware enforces the static bearer token when one is configured.
// With an empty token the middleware is a no-op, so local setups run open.
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != token {
			pipeline.WriteError(c, pipeline.NewUnauthorizedError())
			c.Abort()
			return
		}
		c.Next()
	}
}

// ipLimiter tracks one token bucket per client IP. Buckets idle past the
// eviction window are dropped to bound memory.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipBucket
	rps      rate.Limit
	burst    int
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterEvictAfter = 10 * time.Minute

func newIPLimiter(rps, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*ipBucket),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.limiters[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = bucket
	}
	bucket.lastSeen = time.Now()

	if len(l.limiters) > 1000 {
		l.evictLocked()
	}
	return bucket.limiter.Allow()
}

func (l *ipLimiter) evictLocked() {
	cutoff := time.Now().Add(-limiterEvictAfter)
	for ip, bucket := range l.limiters {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// RateLimitMiddleware applies per-IP token bucket limiting when enabled.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	limiter := newIPLimiter(cfg.RPS, cfg.Burst)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			pipeline.WriteError(c, pipeline.NewRateLimitedError())
			c.Abort()
			return
		}
		c.Next()
	}
}

// CORSMiddleware answers preflights and stamps the allow headers for
// configured origins. A lone "*" allows everything.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || allowed[origin]) {
			if allowAll {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogMiddleware logs one line per request with the correlation id.
// Runs after CorrelationMiddleware so the id is already in the context.
func RequestLogMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		rc := pipeline.GetRequestContext(c.Request.Context())
		logger.Info("Request completed", map[string]interface{}{
			"correlation_id": rc.CorrelationID,
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"status":         c.Writer.Status(),
			"duration_ms":    float64(time.Since(start)) / float64(time.Millisecond),
			"client_ip":      c.ClientIP(),
		})
	}
}
