package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

type counter struct {
	start  time.Time // beginning of the current fixed window
	window time.Duration
	prev   int
	curr   int
}

// MemoryLimiter is a sliding-window counter: the previous fixed window's count
// is weighted by how much of it still overlaps the sliding window.
type MemoryLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*counter
	calls    int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now, counters: make(map[string]*counter)}
}

// SetClock overrides the time source, for tests.
func (m *MemoryLimiter) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.calls++
	if m.calls%1024 == 0 {
		m.sweep(now)
	}

	c, ok := m.counters[key]
	if !ok {
		c = &counter{start: now.Truncate(window), window: window}
		m.counters[key] = c
	}
	c.window = window
	m.roll(c, now, window)

	elapsed := now.Sub(c.start)
	overlap := 1 - float64(elapsed)/float64(window)
	estimate := float64(c.prev)*overlap + float64(c.curr)

	if estimate+1 > float64(limit) {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			RetryAfter: retryAfter(c, limit, window, elapsed),
		}, nil
	}
	c.curr++
	remaining := int(math.Floor(float64(limit) - estimate - 1))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}, nil
}

func (m *MemoryLimiter) roll(c *counter, now time.Time, window time.Duration) {
	start := now.Truncate(window)
	switch {
	case start.Equal(c.start):
	case start.Sub(c.start) == window:
		c.prev, c.curr, c.start = c.curr, 0, start
	default:
		c.prev, c.curr, c.start = 0, 0, start
	}
}

// retryAfter estimates when the weighted count drops enough to admit one request.
func retryAfter(c *counter, limit int, window, elapsed time.Duration) time.Duration {
	if c.curr < limit && c.prev > 0 {
		// prev*(1 - t/window) + curr + 1 <= limit
		t := float64(window) * (1 - float64(limit-c.curr-1)/float64(c.prev))
		if wait := time.Duration(t) - elapsed; wait > 0 {
			return wait
		}
		return time.Millisecond
	}
	wait := window - elapsed
	if c.curr >= limit && c.curr > 0 {
		// in the next window the current count becomes prev
		wait += time.Duration(float64(window) * (1 - float64(limit-1)/float64(c.curr)))
	}
	return wait
}

// sweep drops counters that have aged out of their own window.
func (m *MemoryLimiter) sweep(now time.Time) {
	for k, c := range m.counters {
		if now.Sub(c.start) > 2*c.window {
			delete(m.counters, k)
		}
	}
}
