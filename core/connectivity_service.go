package core

import (
	"slices"
	"sync"
	"time"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/kb"
)

type pairKey struct{ a, b protocol.AgentID }

func keyFor(a, b protocol.AgentID) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// ConnectivityService evaluates which pairs of agents are within radio range
// of each other. Range is symmetric and purely distance based. The service
// keeps the last evaluated state so InRange is a map lookup and Update can
// report edges.
type ConnectivityService struct {
	KB *kb.KnowledgeBase

	// RadioRange is the maximum distance, in metres, at which two agents
	// can hear each other.
	RadioRange float64

	mu      sync.RWMutex
	inRange map[pairKey]bool
	at      time.Time
}

// NewConnectivityService builds a service over the agents in store.
func NewConnectivityService(store *kb.KnowledgeBase, radioRange float64) *ConnectivityService {
	return &ConnectivityService{
		KB:         store,
		RadioRange: radioRange,
		inRange:    make(map[pairKey]bool),
	}
}

// UpdateConnectivity recomputes every pair from current positions and
// returns the pairs whose state changed, ordered by (A, B) with A < B.
func (cs *ConnectivityService) UpdateConnectivity(now time.Time) []protocol.RangeChange {
	agents := cs.KB.ListAgents()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.at = now

	// agents is ordered by ID, so changes come out ordered too.
	var changes []protocol.RangeChange
	for i := 0; i < len(agents); i++ {
		for j := i + 1; j < len(agents); j++ {
			a, b := agents[i], agents[j]
			key := keyFor(a.ID, b.ID)
			up := a.Position.DistanceTo(b.Position) <= cs.RadioRange
			if cs.inRange[key] == up {
				continue
			}
			if up {
				cs.inRange[key] = true
			} else {
				delete(cs.inRange, key)
			}
			changes = append(changes, protocol.RangeChange{A: key.a, B: key.b, InRange: up, At: now})
		}
	}
	return changes
}

// InRange implements protocol.ConnectivityOracle. It answers from the last
// evaluation; positions are piecewise constant between mobility steps.
func (cs *ConnectivityService) InRange(a, b protocol.AgentID, _ time.Time) bool {
	if a == b {
		return true
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.inRange[keyFor(a, b)]
}

// Neighbors returns the agents currently in range of id, ascending.
func (cs *ConnectivityService) Neighbors(id protocol.AgentID) []protocol.AgentID {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []protocol.AgentID
	for k := range cs.inRange {
		switch id {
		case k.a:
			out = append(out, k.b)
		case k.b:
			out = append(out, k.a)
		}
	}
	slices.Sort(out)
	return out
}

// LastUpdate returns the time of the last evaluation.
func (cs *ConnectivityService) LastUpdate() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.at
}

// Reset forgets every evaluated pair.
func (cs *ConnectivityService) Reset() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	clear(cs.inRange)
	cs.at = time.Time{}
}
