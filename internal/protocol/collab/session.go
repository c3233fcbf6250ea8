package collab

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/discovery-collab-sim/internal/protocol"
)

// Role records which side opened the session.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	default:
		return "unknown"
	}
}

// Close reasons recorded on sessions.
const (
	ReasonTimeout      = "timeout"
	ReasonRejected     = "rejected"
	ReasonPeerTeardown = "peer_teardown"
	ReasonOutOfRange   = "out_of_range"
	ReasonTerminated   = "terminated"
	ReasonLateAccept   = "late_accept"
)

// Session is the exported view of one collaboration session.
type Session struct {
	PeerID         protocol.AgentID
	Role           Role
	State          protocol.SessionState
	Attempt        int
	OpenedAt       time.Time
	EstablishedAt  time.Time
	LastActivityAt time.Time
	ClosedAt       time.Time
	CloseReason    string
	DataSent       uint64
	DataReceived   uint64
	BytesReceived  uint64
}

type session struct {
	Session

	lastPeerSeq uint64
	nextData    time.Time
	timeoutID   string
	span        trace.Span
}

// Initiator reports whether a opens the session with b: the numerically
// smaller id initiates.
func Initiator(a, b protocol.AgentID) bool { return a < b }
