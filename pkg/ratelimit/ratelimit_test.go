package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowLimiterDeniesAboveLimit(t *testing.T) {
	l := NewWindowLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		d := l.Allow("t1", "memory", 5)
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 5-i-1, d.Remaining)
	}

	d := l.Allow("t1", "memory", 5)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, base.Add(windowDuration), d.Reset)
}

func TestWindowLimiterResetsAfterWindow(t *testing.T) {
	l := NewWindowLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		l.Allow("t1", "memory", 3)
	}
	assert.False(t, l.Allow("t1", "memory", 3).Allowed)

	l.now = func() time.Time { return base.Add(windowDuration) }
	d := l.Allow("t1", "memory", 3)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
}

func TestWindowLimiterKeysAreIndependent(t *testing.T) {
	l := NewWindowLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	assert.False(t, func() bool {
		for i := 0; i < 2; i++ {
			l.Allow("t1", "search", 2)
		}
		return l.Allow("t1", "search", 2).Allowed
	}())

	// Same tenant, different endpoint; different tenant, same endpoint.
	assert.True(t, l.Allow("t1", "memory", 2).Allowed)
	assert.True(t, l.Allow("t2", "search", 2).Allowed)
}

func TestWindowLimiterSweep(t *testing.T) {
	l := NewWindowLimiter()
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("t%d", i), "memory", 100)
	}
	assert.Equal(t, 0, l.Sweep())

	l.now = func() time.Time { return base.Add(windowDuration + time.Second) }
	assert.Equal(t, 10, l.Sweep())
}

func TestRetryAfterAtLeastOneSecond(t *testing.T) {
	now := time.Now()
	d := Decision{Reset: now.Add(500 * time.Millisecond)}
	assert.Equal(t, 1, d.RetryAfter(now))

	d = Decision{Reset: now.Add(30 * time.Second)}
	assert.Equal(t, 30, d.RetryAfter(now))
}

func TestPreAuthLimiterBurstThenRefill(t *testing.T) {
	l := NewPreAuthLimiter(60)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 60; i++ {
		require.True(t, l.Allow("10.0.0.1").Allowed, "request %d", i)
	}
	assert.False(t, l.Allow("10.0.0.1").Allowed)

	// One token refills per second at 60/min.
	l.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	assert.True(t, l.Allow("10.0.0.1").Allowed)
	assert.False(t, l.Allow("10.0.0.1").Allowed)
}

func TestPreAuthLimiterPerIP(t *testing.T) {
	l := NewPreAuthLimiter(1)
	base := time.Now()
	l.now = func() time.Time { return base }

	assert.True(t, l.Allow("10.0.0.1").Allowed)
	assert.False(t, l.Allow("10.0.0.1").Allowed)
	assert.True(t, l.Allow("10.0.0.2").Allowed)
}

func TestPreAuthLimiterSweepsIdleBuckets(t *testing.T) {
	l := NewPreAuthLimiter(10)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	assert.Equal(t, 0, l.Sweep())

	l.now = func() time.Time { return base.Add(bucketIdleTTL + time.Second) }
	assert.Equal(t, 2, l.Sweep())
}
