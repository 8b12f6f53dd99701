package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"kms-core.backend/internal/usecases"
)

const (
	visitorIdleTTL  = 10 * time.Minute
	maxTrackedPeers = 10000
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	flagged  bool
}

// RateLimiter throttles requests per client IP. The first rejection of a burst
// raises a security event; later rejections in the same burst do not.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	alerts   SecurityAlerter
	now      func() time.Time
}

// NewRateLimiter returns nil when perSecond <= 0; Handler on a nil limiter is a no-op.
func NewRateLimiter(perSecond float64, burst int, alerts SecurityAlerter) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		alerts:   alerts,
		now:      time.Now,
	}
}

func (l *RateLimiter) visitorFor(ip string) *visitor {
	now := l.now()
	if len(l.visitors) >= maxTrackedPeers {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(l.visitors, k)
			}
		}
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v
}

func (l *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ip := c.ClientIP()

		l.mu.Lock()
		v := l.visitorFor(ip)
		allowed := v.limiter.AllowN(l.now(), 1)
		raise := !allowed && !v.flagged
		v.flagged = !allowed
		l.mu.Unlock()

		if allowed {
			c.Next()
			return
		}
		if raise && l.alerts != nil {
			l.alerts.HandleSecurityEvent(c.Request.Context(), usecases.SecurityRateLimitExceeded, map[string]any{
				"ipAddress": ip,
				"path":      c.FullPath(),
			})
		}
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "RATE_LIMITED",
			"message": "Too many requests",
		})
	}
}
