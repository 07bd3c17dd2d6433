package auth

import (
	"sync"
	"time"
)

const (
	lockoutThreshold = 10
	lockoutWindow    = 15 * time.Minute
)

// lockoutTracker counts authentication failures per key id over a sliding
// window. Once a key id crosses the threshold, further attempts are refused
// before any database or argon2 work happens.
type lockoutTracker struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLockoutTracker() *lockoutTracker {
	return &lockoutTracker{failures: make(map[string][]time.Time)}
}

func (t *lockoutTracker) locked(id string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pruneLocked(id, now)) >= lockoutThreshold
}

func (t *lockoutTracker) recordFailure(id string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[id] = append(t.pruneLocked(id, now), now)
}

// reset clears failures after a successful authentication.
func (t *lockoutTracker) reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, id)
}

// pruneLocked drops failures outside the window. Caller holds the mutex.
func (t *lockoutTracker) pruneLocked(id string, now time.Time) []time.Time {
	cutoff := now.Add(-lockoutWindow)
	recent := t.failures[id][:0]
	for _, at := range t.failures[id] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) == 0 {
		delete(t.failures, id)
		return nil
	}
	t.failures[id] = recent
	return recent
}
