package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// visitorStaleAfter is how long a caller's bucket survives without
	// traffic before the sweeper drops it.
	visitorStaleAfter = 10 * time.Minute

	// APILimiterSweepInterval is the recommended sweep cadence.
	APILimiterSweepInterval = 5 * time.Minute
)

type visitor struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// APILimiter applies per-caller token-bucket limiting to the service's
// own HTTP surface. It protects the analyze/admin endpoints themselves
// and is independent of the in-core behavioral and DDoS logic, which
// score the *inspected* traffic.
type APILimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      int
	burst    int
	logger   *zap.Logger
	now      func() time.Time
}

// NewAPILimiter creates an APILimiter allowing rps sustained requests
// per second with the given burst per caller IP.
func NewAPILimiter(rps, burst int, logger *zap.Logger) *APILimiter {
	return &APILimiter{
		visitors: make(map[string]*visitor),
		rps:      rps,
		burst:    burst,
		logger:   logger,
		now:      time.Now,
	}
}

// Middleware returns the Gin middleware enforcing the limit.
func (l *APILimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		l.mu.Lock()
		v, ok := l.visitors[ip]
		if !ok {
			v = &visitor{bucket: rate.NewLimiter(rate.Limit(l.rps), l.burst)}
			l.visitors[ip] = v
		}
		v.lastSeen = l.now()
		l.mu.Unlock()

		if !v.bucket.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// Sweep drops buckets idle beyond the staleness ceiling and returns
// the number removed.
func (l *APILimiter) Sweep() int {
	cutoff := l.now().Add(-visitorStaleAfter)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep on a fixed ticker until ctx is cancelled,
// same lifecycle as the detector and behavior sweepers.
func (l *APILimiter) StartSweeper(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("swept stale api limiter buckets", zap.Int("removed", n))
				}
			}
		}
	}()
}
