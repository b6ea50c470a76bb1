package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/dify2openai/difybridge/internal/openai"
)

const ctxKeyCaller = "caller_identity"

// corsMiddleware adds permissive CORS headers and answers preflights.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware extracts the Bearer token and stores it as the caller
// identity used when a request carries no user field. Upstream credentials
// come from the mapping table, never from this header.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if header == "" || token == "" {
			apiErr := openai.NewAPIError(http.StatusUnauthorized,
				"Authorization header with a Bearer token is required",
				"authentication_error", "missing_authorization")
			c.AbortWithStatusJSON(apiErr.Status, apiErr.Envelope())
			return
		}
		c.Set(ctxKeyCaller, token)
		c.Next()
	}
}

func callerIdentity(c *gin.Context) string {
	return c.GetString(ctxKeyCaller)
}

// limiterPool keeps one token-bucket limiter per caller. Limiters are
// rebuilt when the configured rate changes.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

func newLimiterPool() *limiterPool {
	return &limiterPool{limiters: make(map[string]*rate.Limiter)}
}

func (p *limiterPool) allow(key string, rps float64, burst int) bool {
	if rps <= 0 {
		return true
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	p.mu.Lock()
	if p.rps != rps || p.burst != burst {
		p.limiters = make(map[string]*rate.Limiter)
		p.rps, p.burst = rps, burst
	}
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()

	return limiter.Allow()
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl := s.cfg.Current().RateLimit
		if !s.limiters.allow(callerIdentity(c), rl.RequestsPerSecond, rl.Burst) {
			apiErr := openai.NewAPIError(http.StatusTooManyRequests,
				"Rate limit exceeded, slow down",
				"rate_limit_error", "rate_limit_exceeded")
			c.AbortWithStatusJSON(apiErr.Status, apiErr.Envelope())
			return
		}
		c.Next()
	}
}
