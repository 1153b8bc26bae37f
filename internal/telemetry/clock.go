package telemetry

import (
	"sync"
	"time"
)

// Clock supplies ingestion timestamps.
type Clock interface {
	Now() time.Time
}

// MonotonicClock never hands out a timestamp earlier than one it already
// returned, even if the wall clock steps backwards.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMonotonicClock wraps now (time.Now when nil).
func NewMonotonicClock(now func() time.Time) *MonotonicClock {
	if now == nil {
		now = time.Now
	}
	return &MonotonicClock{now: now}
}

// Now returns max(wall clock, last value) normalised to UTC microseconds.
func (c *MonotonicClock) Now() time.Time {
	t := NormalizeTime(c.now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
