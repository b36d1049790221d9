package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/riskmesh/riskmesh/internal/config"
	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/metrics"
	"github.com/riskmesh/riskmesh/pkg/observability"
	"github.com/riskmesh/riskmesh/pkg/recovery"
)

// Gin context keys set by handlers and read by the metrics middleware.
const (
	ctxKeyRequestID  = "request_id"
	ctxKeyCacheHit   = "cache_hit"
	ctxKeyErrorClass = "error_class"
)

// RequestIDMiddleware assigns a request id, honoring a client-supplied
// X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// LoggingMiddleware logs each request and feeds the performance recorder.
func LoggingMiddleware(logger observability.Logger, recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}
		status := c.Writer.Status()

		recorder.RecordAPICall(endpoint, duration, status, c.GetBool(ctxKeyCacheHit), c.GetString(ctxKeyErrorClass))

		fields := map[string]interface{}{
			"request_id": c.GetString(ctxKeyRequestID),
			"method":     c.Request.Method,
			"path":       endpoint,
			"status":     status,
			"duration":   duration.String(),
			"client":     c.ClientIP(),
		}
		if status >= 500 {
			logger.Error("request failed", fields)
		} else {
			logger.Info("request served", fields)
		}
	}
}

// clientLimiter tracks one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	rate     rate.Limit
	burst    int
	lastSeen time.Duration
}

type clientBucket struct {
	limiter *rate.Limiter
	seenAt  time.Time
}

func newClientLimiter(cfg config.RateLimitConfig) *clientLimiter {
	return &clientLimiter{
		clients:  make(map[string]*clientBucket),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		lastSeen: 10 * time.Minute,
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[client] = b
	}
	b.seenAt = now

	// Opportunistic cleanup of idle buckets.
	if len(l.clients) > 1024 {
		for addr, bucket := range l.clients {
			if now.Sub(bucket.seenAt) > l.lastSeen {
				delete(l.clients, addr)
			}
		}
	}
	return b.limiter.Allow()
}

// RateLimitMiddleware throttles per client IP with a token bucket.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newClientLimiter(cfg)
	return func(c *gin.Context) {
		if !limiter.allow(c.ClientIP()) {
			c.Set(ctxKeyErrorClass, string(errors.TypeRateLimit))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"source":  recovery.SourceMinimalResponse,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RecoveryMiddleware converts handler panics into a minimal 500 response.
func RecoveryMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked", map[string]interface{}{
					"request_id": c.GetString(ctxKeyRequestID),
					"path":       c.Request.URL.Path,
					"panic":      errors.FromValue(r).Error(),
				})
				c.Set(ctxKeyErrorClass, string(errors.TypeInternal))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":    false,
					"source":     recovery.SourceMinimalResponse,
					"confidence": 0,
				})
			}
		}()
		c.Next()
	}
}
