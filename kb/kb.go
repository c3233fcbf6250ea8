package kb

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
	"github.com/signalsfoundry/discovery-collab-sim/model"
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventAgentAdded EventType = iota
	EventAgentMoved
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type  EventType
	Agent model.AgentDefinition
}

// KnowledgeBase is an in-memory, thread-safe store of agent definitions and
// their current positions.
type KnowledgeBase struct {
	mu sync.RWMutex

	agents map[protocol.AgentID]*model.AgentDefinition

	subs   map[int]func(Event)
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		agents: make(map[protocol.AgentID]*model.AgentDefinition),
		subs:   make(map[int]func(Event)),
	}
}

// AddAgent adds a new agent. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddAgent(a *model.AgentDefinition) error {
	kb.mu.Lock()
	if _, exists := kb.agents[a.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("agent with ID %s already exists", a.ID)
	}
	// store pointer so that motion models can update in-place
	kb.agents[a.ID] = a
	subs := kb.subscribersLocked()
	event := Event{Type: EventAgentAdded, Agent: *a}
	kb.mu.Unlock()

	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// GetAgent returns the agent with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetAgent(id protocol.AgentID) *model.AgentDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.agents[id]
}

// Position returns an agent's current position.
func (kb *KnowledgeBase) Position(id protocol.AgentID) (model.Position, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	a, ok := kb.agents[id]
	if !ok {
		return model.Position{}, false
	}
	return a.Position, true
}

// ListAgents returns a snapshot slice of all agents ordered by ID.
func (kb *KnowledgeBase) ListAgents() []*model.AgentDefinition {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*model.AgentDefinition, 0, len(kb.agents))
	for _, a := range kb.agents {
		res = append(res, a)
	}
	slices.SortFunc(res, func(a, b *model.AgentDefinition) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

// UpdateAgentPosition updates an agent's position and notifies subscribers.
func (kb *KnowledgeBase) UpdateAgentPosition(id protocol.AgentID, pos model.Position) error {
	kb.mu.Lock()
	a, ok := kb.agents[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("agent with ID %s not found", id)
	}
	a.Position = pos
	event := Event{
		Type:  EventAgentMoved,
		Agent: *a, // copy for safety
	}
	subs := kb.subscribersLocked()
	kb.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, sub := range subs {
		sub(event)
	}
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, kb.subs[id])
	}
	return out
}
