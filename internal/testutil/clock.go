// Package testutil provides shared helpers for aqueduct tests.
package testutil

import (
	"sync"
	"time"
)

// Clock is a deterministic wall clock for tests.
//
// Each Now() call returns the previous time advanced by a fixed step, so
// commit timestamps are reproducible across runs. Edit ordering never
// depends on time, but golden traces and round-trip assertions want stable
// created_at values.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

// NewClock creates a clock that returns start on the first Now() call and
// advances by step on each subsequent call.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{next: start.UTC(), step: step}
}

// Now returns the next timestamp and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.next
	c.next = c.next.Add(c.step)
	return t
}
