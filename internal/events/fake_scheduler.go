package events

import (
	"context"
	"sync"
	"time"
)

// FakeEventScheduler is a test-only EventScheduler with its own manual clock.
// AdvanceTo steps the clock through each pending event time in order, so
// callbacks observe Now() equal to their scheduled time.
type FakeEventScheduler struct {
	clock *manualClock
	EventScheduler
}

type manualClock struct {
	mu  sync.RWMutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// NewFakeEventScheduler creates a fake scheduler starting at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	clock := &manualClock{now: start}
	return &FakeEventScheduler{
		clock:          clock,
		EventScheduler: NewEventScheduler(clock),
	}
}

// AdvanceTo runs every event due up to t, including events scheduled by
// callbacks, then leaves the clock at t. Time never goes backwards.
func (s *FakeEventScheduler) AdvanceTo(ctx context.Context, t time.Time) {
	for {
		next, ok := s.NextAt()
		if !ok || next.After(t) {
			break
		}
		s.clock.set(next)
		s.RunDue(ctx)
	}
	s.clock.set(t)
	s.RunDue(ctx)
}

// Advance moves the clock forward by d.
func (s *FakeEventScheduler) Advance(ctx context.Context, d time.Duration) {
	s.AdvanceTo(ctx, s.Now().Add(d))
}
