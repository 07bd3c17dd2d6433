package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idle buckets are evicted after twice the window.
const bucketIdleTTL = 2 * windowDuration

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PreAuthLimiter is a per-client-IP token bucket consulted before
// authentication. Capacity equals the per-minute limit; tokens refill
// linearly over the window.
type PreAuthLimiter struct {
	mu      sync.Mutex
	limit   int
	buckets map[string]*bucket
	now     func() time.Time
}

// NewPreAuthLimiter creates a limiter allowing limitPerMinute requests per IP.
func NewPreAuthLimiter(limitPerMinute int) *PreAuthLimiter {
	return &PreAuthLimiter{
		limit:   limitPerMinute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token for the IP and reports the decision.
func (l *PreAuthLimiter) Allow(ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.limit)/windowDuration.Seconds()), l.limit),
		}
		l.buckets[ip] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     l.limit,
		Remaining: remaining,
		Reset:     now.Add(windowDuration),
	}
}

// Sweep evicts buckets idle for longer than twice the window.
func (l *PreAuthLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleTTL {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}
