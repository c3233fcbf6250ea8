// Package phase drives an agent through Idle, Discovering, Collaborating and
// Terminated on the shared schedule.
package phase

import (
	"context"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Schedule holds the absolute phase boundaries.
type Schedule struct {
	DiscoveryStart   time.Time
	DiscoveryEnd     time.Time
	CollaborationEnd time.Time
}

// NewSchedule derives the boundaries from cfg relative to epoch.
func NewSchedule(epoch time.Time, cfg protocol.Config) Schedule {
	start, end, collabEnd := cfg.Boundaries(epoch)
	return Schedule{DiscoveryStart: start, DiscoveryEnd: end, CollaborationEnd: collabEnd}
}

// Transition is one boundary crossing.
type Transition struct {
	From, To protocol.Phase
	At       time.Time
}

// Listener is notified once per crossing, in order.
type Listener func(ctx context.Context, t Transition)

// Controller is the per-agent phase state machine. Not safe for concurrent use.
type Controller struct {
	schedule  Schedule
	state     protocol.Phase
	listeners []Listener
}

// New returns a controller in PhaseIdle.
func New(s Schedule) *Controller {
	return &Controller{schedule: s}
}

// OnChange registers a listener.
func (c *Controller) OnChange(l Listener) {
	c.listeners = append(c.listeners, l)
}

// State returns the current phase.
func (c *Controller) State() protocol.Phase { return c.state }

// Schedule returns the boundaries the controller evaluates.
func (c *Controller) Schedule() Schedule { return c.schedule }

// Advance evaluates now against the schedule and emits every boundary
// crossed since the previous call. A single call may cross several
// boundaries; the phase never moves backwards.
func (c *Controller) Advance(ctx context.Context, now time.Time) []Transition {
	var crossed []Transition
	for {
		next, ok := c.successor(now)
		if !ok {
			break
		}
		t := Transition{From: c.state, To: next, At: now}
		c.state = next
		crossed = append(crossed, t)
		for _, l := range c.listeners {
			l(ctx, t)
		}
	}
	return crossed
}

// NextBoundary returns the time of the next crossing, false once Terminated.
func (c *Controller) NextBoundary() (time.Time, bool) {
	switch c.state {
	case protocol.PhaseIdle:
		return c.schedule.DiscoveryStart, true
	case protocol.PhaseDiscovering:
		return c.schedule.DiscoveryEnd, true
	case protocol.PhaseCollaborating:
		return c.schedule.CollaborationEnd, true
	default:
		return time.Time{}, false
	}
}

func (c *Controller) successor(now time.Time) (protocol.Phase, bool) {
	boundary, ok := c.NextBoundary()
	if !ok || now.Before(boundary) {
		return c.state, false
	}
	return c.state + 1, true
}
