// Package ratelimit implements the two request limiters: a per-(tenant,
// endpoint) window applied after authentication and a per-IP token bucket
// applied to /v1/* before any auth or database work. Both are process-local.
package ratelimit

import (
	"sync"
	"time"
)

const windowDuration = 60 * time.Second

// Decision is the outcome of one limiter check, carrying the values exposed
// through X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter reports the whole seconds until the window resets, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.Reset.Sub(now).Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}

type windowState struct {
	count int
	start time.Time
}

// WindowLimiter counts requests per (tenant, endpoint) in 60-second windows.
// The counter resets when its window expires.
type WindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*windowState
	now     func() time.Time
}

// NewWindowLimiter creates an empty limiter.
func NewWindowLimiter() *WindowLimiter {
	return &WindowLimiter{
		windows: make(map[string]*windowState),
		now:     time.Now,
	}
}

// Allow records one request against the (tenant, endpoint) key and reports
// whether it fits within limit requests per window.
func (l *WindowLimiter) Allow(tenantID, endpoint string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := tenantID + "|" + endpoint
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= windowDuration {
		w = &windowState{start: now}
		l.windows[key] = w
	}

	reset := w.start.Add(windowDuration)
	if w.count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}
	}
	w.count++
	return Decision{Allowed: true, Limit: limit, Remaining: limit - w.count, Reset: reset}
}

// Sweep drops windows that expired before now. Called periodically so the
// map does not grow with tenant churn.
func (l *WindowLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= windowDuration {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
