// Package neighbor implements the per-agent table of discovered peers.
package neighbor

import (
	"slices"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Entry is one discovered peer.
type Entry struct {
	PeerID      protocol.AgentID
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	// InRange is the last range flag pushed by the connectivity oracle.
	InRange    bool
	State      protocol.NeighborState
	StaleSince time.Time
}

// Transition records a state change produced by Observe or Sweep.
type Transition struct {
	Peer     protocol.AgentID
	From, To protocol.NeighborState
}

// Table maps peers to entries. It is owned by a single agent and is not
// safe for concurrent use.
type Table struct {
	entries map[protocol.AgentID]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[protocol.AgentID]*Entry)}
}

// Observe records a fresh discovery message from peer. New peers are
// Confirmed immediately; a Stale peer drops back to Probed and needs one
// more fresh message to be Confirmed again.
func (t *Table) Observe(peer protocol.AgentID, now time.Time) Transition {
	e, ok := t.entries[peer]
	if !ok {
		t.entries[peer] = &Entry{
			PeerID:      peer,
			FirstSeenAt: now,
			LastSeenAt:  now,
			InRange:     true,
			State:       protocol.NeighborConfirmed,
		}
		return Transition{Peer: peer, From: protocol.NeighborNone, To: protocol.NeighborConfirmed}
	}

	from := e.State
	e.LastSeenAt = now
	e.InRange = true
	switch e.State {
	case protocol.NeighborStale:
		e.State = protocol.NeighborProbed
		e.StaleSince = time.Time{}
	case protocol.NeighborProbed:
		e.State = protocol.NeighborConfirmed
	}
	return Transition{Peer: peer, From: from, To: e.State}
}

// Touch refreshes LastSeenAt without changing state. It reports whether an
// entry exists.
func (t *Table) Touch(peer protocol.AgentID, now time.Time) bool {
	e, ok := t.entries[peer]
	if !ok {
		return false
	}
	if now.After(e.LastSeenAt) {
		e.LastSeenAt = now
	}
	return true
}

// SetInRange stores the oracle's range flag for an existing entry.
func (t *Table) SetInRange(peer protocol.AgentID, inRange bool) {
	if e, ok := t.entries[peer]; ok {
		e.InRange = inRange
	}
}

// Sweep marks entries unseen for longer than staleAfter as Stale and evicts
// entries unseen for longer than staleAfter+grace. Transitions are returned
// in peer order; evictions have To == NeighborNone.
func (t *Table) Sweep(now time.Time, staleAfter, grace time.Duration) []Transition {
	var out []Transition
	for _, peer := range t.peers() {
		e := t.entries[peer]
		age := now.Sub(e.LastSeenAt)
		switch {
		case age > staleAfter+grace:
			delete(t.entries, peer)
			out = append(out, Transition{Peer: peer, From: e.State, To: protocol.NeighborNone})
		case age > staleAfter && e.State != protocol.NeighborStale:
			from := e.State
			e.State = protocol.NeighborStale
			e.StaleSince = now
			out = append(out, Transition{Peer: peer, From: from, To: protocol.NeighborStale})
		}
	}
	return out
}

// Get returns a copy of the entry for peer.
func (t *Table) Get(peer protocol.AgentID) (Entry, bool) {
	e, ok := t.entries[peer]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// State returns the peer's state, NeighborNone when absent.
func (t *Table) State(peer protocol.AgentID) protocol.NeighborState {
	if e, ok := t.entries[peer]; ok {
		return e.State
	}
	return protocol.NeighborNone
}

// Confirmed lists Confirmed peers in ascending order.
func (t *Table) Confirmed() []protocol.AgentID {
	return t.withState(protocol.NeighborConfirmed)
}

// Stale lists Stale peers in ascending order.
func (t *Table) Stale() []protocol.AgentID {
	return t.withState(protocol.NeighborStale)
}

// Probed lists peers that went Stale and have since been heard from once,
// in ascending order.
func (t *Table) Probed() []protocol.AgentID {
	return t.withState(protocol.NeighborProbed)
}

// Snapshot copies every entry, ordered by peer.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, peer := range t.peers() {
		out = append(out, *t.entries[peer])
	}
	return out
}

// Len returns the number of entries, stale ones included.
func (t *Table) Len() int { return len(t.entries) }

func (t *Table) withState(s protocol.NeighborState) []protocol.AgentID {
	var out []protocol.AgentID
	for _, peer := range t.peers() {
		if t.entries[peer].State == s {
			out = append(out, peer)
		}
	}
	return out
}

func (t *Table) peers() []protocol.AgentID {
	ids := make([]protocol.AgentID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
