// Package events provides the virtual-time event queue that drives agents,
// the transport and mobility updates.
package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/timectrl"
)

// Func is the callback type stored in the queue. now is the event's
// scheduled time.
type Func func(ctx context.Context, now time.Time)

// Event is a due callback handed out by PopDue.
type Event struct {
	ID    string
	At    time.Time
	Owner string // empty for global events
	Fn    Func
}

// EventScheduler schedules callbacks at simulation times. Owners tag events
// that must run one at a time for a single agent; the simulation loop groups
// popped events by owner.
//
// Events with equal times are returned in scheduling order.
type EventScheduler interface {
	// Schedule registers a global callback and returns an ID for Cancel.
	Schedule(at time.Time, f Func) (id string)

	// ScheduleFor registers a callback owned by owner.
	ScheduleFor(at time.Time, owner string, f Func) (id string)

	// Cancel is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current simulation time from the underlying clock.
	Now() time.Time

	// NextAt returns the time of the earliest pending event.
	NextAt() (time.Time, bool)

	// PopDue removes and returns every pending event due at or before Now().
	// Popped events stay cancellable until passed to Execute.
	PopDue() []Event

	// Execute runs a popped event unless it was cancelled after the pop.
	Execute(ctx context.Context, ev Event)

	// RunDue pops due events and runs them in order on the calling
	// goroutine until none remain, including events they schedule.
	RunDue(ctx context.Context)

	// Len reports the number of pending events.
	Len() int
}

type scheduledEvent struct {
	Event
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.SimClock

	mu       sync.Mutex
	counter  uint64
	events   []*scheduledEvent // ordered by 'when', then insertion
	index    map[string]*scheduledEvent
	inflight map[string]*scheduledEvent
}

// NewEventScheduler creates an event scheduler backed by clock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock:    clock,
		index:    make(map[string]*scheduledEvent),
		inflight: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f Func) string {
	return s.ScheduleFor(at, "", f)
}

func (s *eventScheduler) ScheduleFor(at time.Time, owner string, f Func) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id := fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{Event: Event{ID: id, At: at, Owner: owner, Fn: f}}
	s.addEventLocked(ev)
	s.index[id] = ev
	return id
}

// addEventLocked inserts after any event with the same time so ties keep
// scheduling order. Caller must hold s.mu.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].At.After(ev.At)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.index[id]; ok {
		ev.cancelled = true
		delete(s.index, id)
		return
	}
	if ev, ok := s.inflight[id]; ok {
		ev.cancelled = true
	}
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropCancelledLocked()
	if len(s.events) == 0 {
		return time.Time{}, false
	}
	return s.events[0].At, true
}

func (s *eventScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// dropCancelledLocked discards cancelled events at the head of the queue.
func (s *eventScheduler) dropCancelledLocked() {
	for len(s.events) > 0 && s.events[0].cancelled {
		s.events = s.events[1:]
	}
}

func (s *eventScheduler) PopDue() []Event {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Event
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.At.After(now) {
			break
		}
		s.events = s.events[1:]
		delete(s.index, ev.ID)
		s.inflight[ev.ID] = ev
		due = append(due, ev.Event)
	}
	return due
}

func (s *eventScheduler) Execute(ctx context.Context, ev Event) {
	s.mu.Lock()
	se, ok := s.inflight[ev.ID]
	delete(s.inflight, ev.ID)
	s.mu.Unlock()

	if !ok || se.cancelled || ev.Fn == nil {
		return
	}
	ev.Fn(ctx, ev.At)
}

func (s *eventScheduler) RunDue(ctx context.Context) {
	for {
		due := s.PopDue()
		if len(due) == 0 {
			return
		}
		// Callbacks run outside the lock so they can schedule and cancel.
		for _, ev := range due {
			s.Execute(ctx, ev)
		}
	}
}
