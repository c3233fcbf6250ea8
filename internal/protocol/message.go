// Package protocol holds the shared vocabulary of the discovery and
// collaboration protocol: agent identifiers, message kinds, the wire codec,
// configuration, and the boundaries with the connectivity oracle, the
// transport and the application.
package protocol

import (
	"fmt"
	"strconv"
)

// AgentID identifies an agent for its whole lifetime.
type AgentID uint32

func (id AgentID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Kind tags a protocol message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindProbe
	KindProbeReply
	KindSessionRequest
	KindSessionAccept
	KindSessionReject
	KindData
	KindSessionTeardown
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindProbe:           "probe",
	KindProbeReply:      "probe_reply",
	KindSessionRequest:  "session_request",
	KindSessionAccept:   "session_accept",
	KindSessionReject:   "session_reject",
	KindData:            "data",
	KindSessionTeardown: "session_teardown",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Valid reports whether k is one of the seven defined message kinds.
func (k Kind) Valid() bool { return k >= KindProbe && k <= KindSessionTeardown }

// IsDiscovery reports whether messages of this kind are handled by the
// discovery engine.
func (k Kind) IsDiscovery() bool { return k == KindProbe || k == KindProbeReply }

// Kinds lists every valid kind in wire order.
func Kinds() []Kind {
	return []Kind{KindProbe, KindProbeReply, KindSessionRequest, KindSessionAccept,
		KindSessionReject, KindData, KindSessionTeardown}
}

// Message is one protocol datagram. Sender and Seq are stamped by the
// sending agent; engines only fill Kind, Target and Payload.
type Message struct {
	Kind      Kind
	Sender    AgentID
	Target    AgentID
	HasTarget bool
	Seq       uint64
	Payload   []byte
}

// Broadcast builds an untargeted message.
func Broadcast(kind Kind) Message {
	return Message{Kind: kind}
}

// Unicast builds a message addressed to peer.
func Unicast(kind Kind, peer AgentID) Message {
	return Message{Kind: kind, Target: peer, HasTarget: true}
}

// IsBroadcast reports whether the message has no target.
func (m Message) IsBroadcast() bool { return !m.HasTarget }

// AddressedTo reports whether id should process m.
func (m Message) AddressedTo(id AgentID) bool {
	return !m.HasTarget || m.Target == id
}

func (m Message) String() string {
	target := "*"
	if m.HasTarget {
		target = m.Target.String()
	}
	return fmt.Sprintf("%s %s->%s seq=%d len=%d", m.Kind, m.Sender, target, m.Seq, len(m.Payload))
}

// Validate checks the structural rules of the wire format: a defined kind,
// a target on everything except probes, and a payload only on data.
func (m Message) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, m.Kind)
	}
	if !m.HasTarget && m.Kind != KindProbe {
		return fmt.Errorf("%w: %s requires a target", ErrMalformedMessage, m.Kind)
	}
	if len(m.Payload) > 0 && m.Kind != KindData {
		return fmt.Errorf("%w: payload on %s", ErrMalformedMessage, m.Kind)
	}
	return nil
}
