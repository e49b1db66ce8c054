package whatsapp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per sender
type RateLimiter struct {
	visitors map[string]*visitor
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

// NewRateLimiter creates a new rate limiter. Buckets unused for idle are dropped by Cleanup.
func NewRateLimiter(limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		idle:     idle,
	}
}

// Allow checks if a sender may trigger another reply now
func (rl *RateLimiter) Allow(senderID string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	v, exists := rl.visitors[senderID]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[senderID] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// StartCleanup drops idle buckets every minute until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.cleanupStaleVisitors(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) cleanupStaleVisitors(now time.Time) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	for id, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, id)
		}
	}
}
