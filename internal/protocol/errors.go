package protocol

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned when a configuration cannot be used to
	// start the timeline.
	ErrInvalidConfig = errors.New("invalid protocol configuration")
	// ErrMalformedMessage is returned by the codec.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrNoSession is returned when the application sends to a peer with no
	// active session.
	ErrNoSession = errors.New("no active session")
)

// AnomalyKind classifies a non-fatal protocol violation.
type AnomalyKind string

const (
	AnomalyUnknownSession    AnomalyKind = "unknown_session"
	AnomalyClosedSession     AnomalyKind = "closed_session"
	AnomalyDuplicateSeq      AnomalyKind = "duplicate_seq"
	AnomalyImplausibleSender AnomalyKind = "implausible_sender"
	AnomalyUnexpectedMessage AnomalyKind = "unexpected_message"
	AnomalyMisaddressed      AnomalyKind = "misaddressed"
)

// AnomalyKinds lists every anomaly kind, used to pre-register metric labels.
func AnomalyKinds() []AnomalyKind {
	return []AnomalyKind{
		AnomalyUnknownSession,
		AnomalyClosedSession,
		AnomalyDuplicateSeq,
		AnomalyImplausibleSender,
		AnomalyUnexpectedMessage,
		AnomalyMisaddressed,
	}
}

// Anomaly describes a dropped message. It is reported to observers, never
// returned up the call stack.
type Anomaly struct {
	Kind    AnomalyKind
	Peer    AgentID
	Message Kind
	Seq     uint64
	At      time.Time
	Detail  string
}

func (a Anomaly) Error() string {
	if a.Detail == "" {
		return fmt.Sprintf("%s: %s from %s seq=%d", a.Kind, a.Message, a.Peer, a.Seq)
	}
	return fmt.Sprintf("%s: %s from %s seq=%d: %s", a.Kind, a.Message, a.Peer, a.Seq, a.Detail)
}

// NewAnomaly builds an anomaly for msg.
func NewAnomaly(kind AnomalyKind, msg Message, at time.Time, detail string) Anomaly {
	return Anomaly{
		Kind:    kind,
		Peer:    msg.Sender,
		Message: msg.Kind,
		Seq:     msg.Seq,
		At:      at,
		Detail:  detail,
	}
}
