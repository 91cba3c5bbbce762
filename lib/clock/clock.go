// Package clock provides the time source used for lease deadlines.
//
// Production code uses the wall clock returned by New. Tests use a Simulated
// clock that only moves when Advance is called, which makes lease expiry and
// missed refresh windows reproducible without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock is the minimal time source abstraction.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// New returns the wall clock.
func New() Clock {
	return wallClock{}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Simulated is a manual-advance clock. It starts at the given time and only
// moves when Advance is called.
type Simulated struct {
	mu      sync.Mutex
	current time.Time
}

// NewSimulated creates a simulated clock starting at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{current: start}
}

// Now implements Clock.
func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward. Negative durations are ignored.
func (c *Simulated) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
