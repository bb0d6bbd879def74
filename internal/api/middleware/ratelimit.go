package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/guideflow/internal/domain"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per workspace. Buckets idle long
// enough to have refilled are evicted.
type RateLimiter struct {
	limit     rate.Limit
	burst     int
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.RWMutex
	limiters  map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

func (b *bucket) touch(now time.Time) {
	b.mu.Lock()
	b.lastSeen = now
	b.mu.Unlock()
}

func (b *bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastSeen)
}

// NewRateLimiter allows perHour requests per workspace, with a burst of a
// sixtieth of that (at least one). A non-positive perHour disables limiting.
func NewRateLimiter(perHour int) *RateLimiter {
	rl := &RateLimiter{
		limit:     rate.Inf,
		burst:     1,
		idleAfter: time.Hour,
		now:       time.Now,
		limiters:  make(map[string]*bucket),
	}
	if perHour <= 0 {
		return rl
	}
	rl.burst = perHour / 60
	if rl.burst < 1 {
		rl.burst = 1
	}
	rl.limit = rate.Every(time.Hour / time.Duration(perHour))
	// a bucket idle for its full refill time is indistinguishable from a new one
	if refill := time.Duration(float64(rl.burst) / float64(rl.limit) * float64(time.Second)); refill > rl.idleAfter {
		rl.idleAfter = refill
	}
	return rl
}

// Allow takes a token from the workspace's bucket
func (rl *RateLimiter) Allow(workspaceID string) bool {
	if rl.limit == rate.Inf {
		return true
	}
	now := rl.now()
	b := rl.bucket(workspaceID, now)
	b.touch(now)
	return b.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) size() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) bucket(workspaceID string, now time.Time) *bucket {
	rl.mu.RLock()
	b, ok := rl.limiters[workspaceID]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.limiters[workspaceID]; ok {
		return b
	}
	if now.Sub(rl.lastSweep) >= rl.idleAfter {
		rl.sweepLocked(now)
	}
	b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.limiters[workspaceID] = b
	return b
}

// sweepLocked drops buckets idle for longer than idleAfter
func (rl *RateLimiter) sweepLocked(now time.Time) {
	for key, b := range rl.limiters {
		if b.idleSince(now) >= rl.idleAfter {
			delete(rl.limiters, key)
		}
	}
	rl.lastSweep = now
}

// retryAfter is the whole seconds until a token is back
func (rl *RateLimiter) retryAfter() int {
	perToken := time.Duration(float64(time.Second) / float64(rl.limit))
	return int(perToken.Seconds()) + 1
}

// RateLimit rejects requests beyond the workspace's budget. It runs after
// Workspace; requests without a workspace share the client IP's bucket.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := WorkspaceID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !rl.Allow(key) {
			c.Header("Retry-After", strconv.Itoa(rl.retryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     domain.ErrRateLimited.Error(),
				"retryable": true,
			})
			return
		}
		c.Next()
	}
}
