package transport

import "sync"

// DropReason labels why a datagram never reached a receiver.
type DropReason string

const (
	DropOutOfRange DropReason = "out_of_range"
	DropLoss       DropReason = "loss"
	DropMalformed  DropReason = "malformed"
	DropUnknown    DropReason = "unknown_receiver"
)

// Stats tracks in-memory transport counters. All methods are safe for
// concurrent use.
type Stats struct {
	mu sync.Mutex

	Sent      uint64
	Delivered uint64
	Dropped   map[DropReason]uint64
}

// StatsSnapshot is a copy of the counters.
type StatsSnapshot struct {
	Sent      uint64                `json:"sent"`
	Delivered uint64                `json:"delivered"`
	Dropped   map[DropReason]uint64 `json:"dropped,omitempty"`
}

func (s *Stats) incSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent++
}

func (s *Stats) incDelivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delivered++
}

func (s *Stats) incDropped(reason DropReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Dropped == nil {
		s.Dropped = make(map[DropReason]uint64)
	}
	s.Dropped[reason]++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{Sent: s.Sent, Delivered: s.Delivered}
	if len(s.Dropped) > 0 {
		out.Dropped = make(map[DropReason]uint64, len(s.Dropped))
		for k, v := range s.Dropped {
			out.Dropped[k] = v
		}
	}
	return out
}
