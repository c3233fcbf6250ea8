package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers. They are part of the interop surface and must not change.
const (
	fieldType    protowire.Number = 1
	fieldSender  protowire.Number = 2
	fieldTarget  protowire.Number = 3
	fieldSeq     protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// Marshal encodes m using protobuf wire encoding. The target field is
// omitted for broadcasts, so agent 0 stays addressable.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 24+len(m.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, fieldSender, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Sender))
	if m.HasTarget {
		b = protowire.AppendTag(b, fieldTarget, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Target))
	}
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Seq)
	if len(m.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b, nil
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are
// skipped; structural violations return an error wrapping ErrMalformedMessage.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: tag: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformedMessage, protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldType && num <= fieldSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := m.setVarint(num, v); err != nil {
				return Message{}, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m *Message) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldType:
		if v > 255 {
			return fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, v)
		}
		m.Kind = Kind(v)
	case fieldSender:
		if v > uint64(^AgentID(0)) {
			return fmt.Errorf("%w: sender %d out of range", ErrMalformedMessage, v)
		}
		m.Sender = AgentID(v)
	case fieldTarget:
		if v > uint64(^AgentID(0)) {
			return fmt.Errorf("%w: target %d out of range", ErrMalformedMessage, v)
		}
		m.Target = AgentID(v)
		m.HasTarget = true
	case fieldSeq:
		m.Seq = v
	}
	return nil
}
