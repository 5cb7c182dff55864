package rofsock

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Error codes carried by the automatic NACK.
const (
	ErrorTypeBadRequest   uint16 = 1
	BadRequestCodeBadType uint16 = 1

	// NackDataLimit caps how much of the offending frame a NACK echoes.
	NackDataLimit = 64
)

var (
	// ErrEncodeContract is returned when a message can't be encoded because
	// it violates the wire format, e.g. a payload too large for the
	// 16-bit length field.
	ErrEncodeContract = errors.New("encode contract violation")
	// ErrUnsupportedVersion is returned when an outbound message carries a
	// version with no schema.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
)

// MalformedError reports a frame of a known type that violates the
// structure of that type. The message is dropped; the session stays up.
type MalformedError struct {
	Kind   Kind
	Reason string
	// Msg is the header-only view of the rejected frame.
	Msg *Message
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Kind, e.Reason)
}

// UnsupportedTypeError reports a known version carrying an unknown type.
type UnsupportedTypeError struct {
	Msg *Message
	// Data is the start of the raw frame, at most NackDataLimit bytes.
	Data []byte
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type %d for version 0x%02x", e.Msg.Type, e.Msg.Version)
}

// Dispatcher is the table-driven Codec and Classifier. Each registered
// Schema maps type tags of one version to a decode function and a
// priority class.
type Dispatcher struct {
	schemas map[uint8]*Schema
}

// NewDispatcher builds a dispatcher over the given schemas, or over the
// built-in OpenFlow 1.0, 1.2 and 1.3 schemas when none are given.
func NewDispatcher(schemas ...*Schema) *Dispatcher {
	if len(schemas) == 0 {
		schemas = builtinSchemas
	}
	d := &Dispatcher{schemas: make(map[uint8]*Schema, len(schemas))}
	for _, s := range schemas {
		d.schemas[s.Version] = s
	}
	return d
}

// Schema returns the schema registered for a version.
func (d *Dispatcher) Schema(version uint8) (*Schema, bool) {
	s, ok := d.schemas[version]
	return s, ok
}

// Decode converts a complete frame into a message. Frames of an unknown
// version come back as header-only generic messages without error.
func (d *Dispatcher) Decode(f *Frame) (*Message, error) {
	if !f.Complete() {
		return nil, errors.Wrap(ErrInvalidLength, "incomplete frame")
	}
	m := &Message{
		Version: f.Version(),
		Type:    f.Type(),
		Xid:     f.Xid(),
		Kind:    KindGeneric,
		Payload: f.Bytes()[HeaderSize:],
	}

	s, ok := d.schemas[m.Version]
	if !ok {
		return m, nil
	}
	spec, ok := s.Lookup(m.Type)
	if !ok {
		raw := f.Bytes()
		if len(raw) > NackDataLimit {
			raw = raw[:NackDataLimit]
		}
		data := make([]byte, len(raw))
		copy(data, raw)
		return nil, &UnsupportedTypeError{Msg: m, Data: data}
	}
	return spec.Decode(s, spec, m)
}

// Encode writes the header followed by the payload.
func (d *Dispatcher) Encode(m *Message) ([]byte, error) {
	return encodeMessage(m)
}

func encodeMessage(m *Message) ([]byte, error) {
	length := m.Length()
	if length > MaxFrameLength {
		return nil, errors.Wrapf(ErrEncodeContract, "%s: length %d exceeds %d", m.Kind, length, MaxFrameLength)
	}
	buf := make([]byte, length)
	buf[offsetVersion] = m.Version
	buf[offsetType] = m.Type
	binary.BigEndian.PutUint16(buf[offsetLength:], uint16(length))
	binary.BigEndian.PutUint32(buf[offsetXid:], m.Xid)
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// Classify routes packet data to ClassPacket, table mutations to
// ClassFlow and everything else to ClassManagement, per the version's
// table. Messages of an unknown version can't be classified.
func (d *Dispatcher) Classify(m *Message) (PriorityClass, bool) {
	s, ok := d.schemas[m.Version]
	if !ok {
		return 0, false
	}
	if spec, ok := s.Lookup(m.Type); ok {
		return spec.Class, true
	}
	return ClassManagement, true
}

// NewNack builds the bad-request/bad-type error reply for an
// undecodable message. It echoes the version, the xid and the start of
// the offending frame.
func NewNack(e *UnsupportedTypeError) *Message {
	data := e.Data
	if len(data) > NackDataLimit {
		data = data[:NackDataLimit]
	}
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(payload[0:2], ErrorTypeBadRequest)
	binary.BigEndian.PutUint16(payload[2:4], BadRequestCodeBadType)
	copy(payload[4:], data)
	return &Message{
		Version: e.Msg.Version,
		Type:    TypeError,
		Xid:     e.Msg.Xid,
		Kind:    KindError,
		Payload: payload,
	}
}

// NewEchoRequest builds a keepalive probe.
func NewEchoRequest(version uint8, xid uint32) *Message {
	return &Message{Version: version, Type: TypeEchoRequest, Xid: xid, Kind: KindEchoRequest}
}

// NewEchoReply answers an echo request, echoing its payload.
func NewEchoReply(req *Message) *Message {
	return &Message{
		Version: req.Version,
		Type:    TypeEchoReply,
		Xid:     req.Xid,
		Kind:    KindEchoReply,
		Payload: req.Payload,
	}
}
