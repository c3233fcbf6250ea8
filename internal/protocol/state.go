package protocol

// Phase is an agent's position in the shared schedule.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseCollaborating
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscovering:
		return "discovering"
	case PhaseCollaborating:
		return "collaborating"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// NeighborState is the discovery state of a neighbor entry. NeighborNone
// means no entry exists.
type NeighborState uint8

const (
	NeighborNone NeighborState = iota
	NeighborProbed
	NeighborConfirmed
	NeighborStale
)

func (s NeighborState) String() string {
	switch s {
	case NeighborNone:
		return "none"
	case NeighborProbed:
		return "probed"
	case NeighborConfirmed:
		return "confirmed"
	case NeighborStale:
		return "stale"
	default:
		return "unknown"
	}
}

// SessionState is the lifecycle state of a collaboration session.
// SessionNone means no session exists for the peer.
type SessionState uint8

const (
	SessionNone SessionState = iota
	SessionRequesting
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionRequesting:
		return "requesting"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Open reports whether the session still counts against the one-session-per-peer rule.
func (s SessionState) Open() bool {
	return s == SessionRequesting || s == SessionActive || s == SessionClosing
}
