package protocol

import (
	"context"
	"time"
)

// Outbox accepts messages from an engine. The owning agent stamps the
// sender and sequence number before handing the message to the transport.
type Outbox interface {
	Send(ctx context.Context, msg Message)
}

// TimerFunc runs when a virtual-time timer fires.
type TimerFunc func(ctx context.Context, now time.Time)

// Timers arms virtual-time callbacks on behalf of one agent.
type Timers interface {
	// After schedules fn at the absolute time at and returns an ID for Cancel.
	After(at time.Time, fn TimerFunc) string
	// Cancel is a no-op for unknown or already fired timers.
	Cancel(id string)
}

// ConnectivityOracle answers whether two agents can reach each other.
type ConnectivityOracle interface {
	InRange(a, b AgentID, at time.Time) bool
}

// RangeChange is pushed by the oracle when a pair enters or leaves range.
type RangeChange struct {
	A, B    AgentID
	InRange bool
	At      time.Time
}

// Transport carries datagrams between agents with best-effort semantics.
// Send never fails from the caller's point of view.
type Transport interface {
	Send(ctx context.Context, from AgentID, msg Message)
}

// Receiver is the transport-facing side of an agent.
type Receiver interface {
	ID() AgentID
	Deliver(ctx context.Context, msg Message, from AgentID, now time.Time)
}

// Application consumes payloads delivered on active sessions.
type Application interface {
	OnDataReceived(from AgentID, payload []byte, now time.Time)
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(from AgentID, payload []byte, now time.Time)

func (f ApplicationFunc) OnDataReceived(from AgentID, payload []byte, now time.Time) {
	f(from, payload, now)
}

// Observer receives protocol events for logging, metrics and reports.
// Implementations must be safe for concurrent use by different agents.
type Observer interface {
	PhaseChanged(ctx context.Context, agent AgentID, from, to Phase, at time.Time)
	NeighborChanged(ctx context.Context, agent, peer AgentID, from, to NeighborState, at time.Time)
	SessionChanged(ctx context.Context, agent, peer AgentID, from, to SessionState, at time.Time)
	MessageSent(ctx context.Context, agent AgentID, msg Message, at time.Time)
	MessageReceived(ctx context.Context, agent AgentID, msg Message, at time.Time)
	DataDelivered(ctx context.Context, agent, peer AgentID, size int, at time.Time)
	Anomaly(ctx context.Context, agent AgentID, a Anomaly)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) PhaseChanged(context.Context, AgentID, Phase, Phase, time.Time) {}
func (NopObserver) NeighborChanged(context.Context, AgentID, AgentID, NeighborState, NeighborState, time.Time) {
}
func (NopObserver) SessionChanged(context.Context, AgentID, AgentID, SessionState, SessionState, time.Time) {
}
func (NopObserver) MessageSent(context.Context, AgentID, Message, time.Time)     {}
func (NopObserver) MessageReceived(context.Context, AgentID, Message, time.Time) {}
func (NopObserver) DataDelivered(context.Context, AgentID, AgentID, int, time.Time) {}
func (NopObserver) Anomaly(context.Context, AgentID, Anomaly)                      {}

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	list := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	if len(list) == 1 {
		return list[0]
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) PhaseChanged(ctx context.Context, agent AgentID, from, to Phase, at time.Time) {
	for _, o := range m {
		o.PhaseChanged(ctx, agent, from, to, at)
	}
}

func (m multiObserver) NeighborChanged(ctx context.Context, agent, peer AgentID, from, to NeighborState, at time.Time) {
	for _, o := range m {
		o.NeighborChanged(ctx, agent, peer, from, to, at)
	}
}

func (m multiObserver) SessionChanged(ctx context.Context, agent, peer AgentID, from, to SessionState, at time.Time) {
	for _, o := range m {
		o.SessionChanged(ctx, agent, peer, from, to, at)
	}
}

func (m multiObserver) MessageSent(ctx context.Context, agent AgentID, msg Message, at time.Time) {
	for _, o := range m {
		o.MessageSent(ctx, agent, msg, at)
	}
}

func (m multiObserver) MessageReceived(ctx context.Context, agent AgentID, msg Message, at time.Time) {
	for _, o := range m {
		o.MessageReceived(ctx, agent, msg, at)
	}
}

func (m multiObserver) DataDelivered(ctx context.Context, agent, peer AgentID, size int, at time.Time) {
	for _, o := range m {
		o.DataDelivered(ctx, agent, peer, size, at)
	}
}

func (m multiObserver) Anomaly(ctx context.Context, agent AgentID, a Anomaly) {
	for _, o := range m {
		o.Anomaly(ctx, agent, a)
	}
}
