package timectrl

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Schedulers and
// agents depend on it rather than on a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// Accelerated jumps straight to the next event time.
	Accelerated Mode = iota
	// RealTime paces virtual time against the wall clock, scaled by Speed.
	RealTime
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	default:
		return "accelerated"
	}
}

// ParseMode maps a CLI/scenario string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accelerated", "fast":
		return Accelerated, nil
	case "realtime", "real-time", "real":
		return RealTime, nil
	default:
		return Accelerated, fmt.Errorf("unknown time mode %q", s)
	}
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Mode      Mode
	// Speed is the virtual seconds per wall second in RealTime mode.
	Speed float64

	// currentTime only moves forward.
	currentTime time.Time

	listeners []func(time.Time)
}

// NewTimeController constructs a controller positioned at start.
func NewTimeController(start time.Time, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Mode:        mode,
		Speed:       1,
		currentTime: start,
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns the virtual time since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// SetTime forces the current time without pacing or notifications.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked after every advance.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// AdvanceTo moves the clock to t. In RealTime mode it first waits for the
// scaled wall-clock equivalent of the gap, returning ctx.Err() if cancelled.
// Targets in the past leave the clock unchanged.
func (tc *TimeController) AdvanceTo(ctx context.Context, t time.Time) error {
	tc.mu.RLock()
	gap := t.Sub(tc.currentTime)
	mode, speed := tc.Mode, tc.Speed
	tc.mu.RUnlock()

	if gap < 0 {
		return nil
	}
	if mode == RealTime && gap > 0 {
		if speed <= 0 {
			speed = 1
		}
		timer := time.NewTimer(time.Duration(float64(gap) / speed))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	tc.mu.Lock()
	if t.After(tc.currentTime) {
		tc.currentTime = t
	}
	now := tc.currentTime
	listeners := slices.Clone(tc.listeners)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return nil
}
