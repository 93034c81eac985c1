package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimit throttles callers by client IP and, when present, the platform
// path parameter, so a noisy webhook source cannot starve the auth endpoints.
type RateLimit struct {
	perMinute int

	mu      sync.Mutex
	buckets map[string]*bucket
	sweeps  int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimit builds a limiter with the given per-minute budget. A zero or
// negative budget disables throttling.
func NewRateLimit(perMinute int) *RateLimit {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimit{
		perMinute: perMinute,
		buckets:   make(map[string]*bucket),
	}
}

// Handler returns the gin middleware enforcing the budget.
func (rl *RateLimit) Handler() gin.HandlerFunc {
	if rl == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if platform := c.Param("platform"); platform != "" {
			key += "|" + platform
		}
		if !rl.take(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimit) take(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	entry, ok := rl.buckets[key]
	if !ok {
		burst := rl.perMinute / 6
		if burst < 2 {
			burst = 2
		}
		entry = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), burst)}
		rl.buckets[key] = entry

		// Amortized eviction of idle buckets.
		rl.sweeps++
		if rl.sweeps >= 256 {
			rl.sweeps = 0
			for k, b := range rl.buckets {
				if now.Sub(b.lastSeen) > limiterIdleTTL {
					delete(rl.buckets, k)
				}
			}
		}
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	return entry.limiter.Allow()
}
