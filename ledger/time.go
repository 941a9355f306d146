package ledger

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected so lock windows and calendar limits are testable
// =============================================================================

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock, always in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock { return &ManualClock{now: now.UTC()} }

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// CALENDAR HELPERS
// =============================================================================

// StartOfDay returns local midnight of t in loc, as UTC.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc).UTC()
}

// StartOfMonth returns the first of t's local month in loc, as UTC.
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, loc).UTC()
}

func timePtr(t time.Time) *time.Time { return &t }
