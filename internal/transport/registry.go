package transport

import (
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Registry is a thread-safe set of receivers addressable by AgentID.
type Registry struct {
	mu        sync.RWMutex
	receivers map[protocol.AgentID]protocol.Receiver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		receivers: make(map[protocol.AgentID]protocol.Receiver),
	}
}

// Register adds recv. Returns an error if its ID is already registered.
func (r *Registry) Register(recv protocol.Receiver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := recv.ID()
	if _, exists := r.receivers[id]; exists {
		return fmt.Errorf("agent %s already registered", id)
	}
	r.receivers[id] = recv
	return nil
}

// Get retrieves a receiver by ID.
func (r *Registry) Get(id protocol.AgentID) (protocol.Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recv, ok := r.receivers[id]
	return recv, ok
}

// Unregister removes a receiver. Messages already in flight to it are
// dropped on arrival.
func (r *Registry) Unregister(id protocol.AgentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.receivers, id)
}

// IDs returns the registered IDs in ascending order.
func (r *Registry) IDs() []protocol.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]protocol.AgentID, 0, len(r.receivers))
	for id := range r.receivers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
