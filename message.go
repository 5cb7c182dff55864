package rofsock

import "fmt"

// Kind names the concrete variant a Message was decoded as.
type Kind string

// KindGeneric marks a header-only message: an unknown version, an
// unsupported type, or an outbound message built without a Kind.
const KindGeneric Kind = "generic"

// Message is a decoded protocol unit. Payload holds everything after the
// fixed header. A Message is owned by exactly one pipeline stage at a time.
type Message struct {
	Version uint8
	Type    uint8
	Xid     uint32
	Kind    Kind
	// Subtype is the statistics / multipart sub-type tag. Only meaningful
	// for kinds decoded from stats or multipart frames.
	Subtype uint16
	Payload []byte
}

// Length returns the encoded length of the message.
func (m *Message) Length() int {
	return HeaderSize + len(m.Payload)
}

func (m *Message) String() string {
	kind := m.Kind
	if kind == "" {
		kind = KindGeneric
	}
	return fmt.Sprintf("%s{version: 0x%02x, type: %d, xid: %d, length: %d}",
		kind, m.Version, m.Type, m.Xid, m.Length())
}

// Codec converts between reassembled frames and messages.
//
// Decode takes ownership of the frame. Encode must succeed for any
// well-formed message; an error is a contract violation by the caller.
type Codec interface {
	Decode(f *Frame) (*Message, error)
	Encode(m *Message) ([]byte, error)
}

// Classifier maps an outbound message to its priority class.
// It reports false when the message can't be routed at all.
type Classifier interface {
	Classify(m *Message) (PriorityClass, bool)
}
