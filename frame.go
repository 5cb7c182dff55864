package rofsock

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire header layout: version(1) type(1) length(2, big-endian) xid(4).
const (
	// HeaderSize is the size of the fixed header every frame starts with.
	HeaderSize = 8
	// MaxFrameLength is the largest frame the 16-bit length field can describe.
	MaxFrameLength = 65535

	offsetVersion = 0
	offsetType    = 1
	offsetLength  = 2
	offsetXid     = 4
)

// ErrInvalidLength is returned when a header declares a total length
// smaller than the header itself. Such a stream can't be resynchronised.
var ErrInvalidLength = errors.New("frame: length field smaller than header")

// Frame is one length-delimited wire unit, possibly still being filled.
type Frame struct {
	buf      []byte
	declared int
	filled   int
}

// NewFrame wraps b, which must hold exactly one complete frame.
func NewFrame(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrInvalidLength, "have %d bytes", len(b))
	}
	declared := int(binary.BigEndian.Uint16(b[offsetLength:]))
	if declared < HeaderSize {
		return nil, errors.Wrapf(ErrInvalidLength, "declared %d", declared)
	}
	if declared != len(b) {
		return nil, errors.Errorf("frame: declared length %d, have %d bytes", declared, len(b))
	}
	return &Frame{buf: b, declared: declared, filled: len(b)}, nil
}

// Bytes returns the filled part of the frame.
func (f *Frame) Bytes() []byte {
	return f.buf[:f.filled]
}

// Version returns the protocol-version tag.
func (f *Frame) Version() uint8 {
	return f.buf[offsetVersion]
}

// Type returns the message-type tag.
func (f *Frame) Type() uint8 {
	return f.buf[offsetType]
}

// Length returns the total length declared in the header.
func (f *Frame) Length() int {
	return int(binary.BigEndian.Uint16(f.buf[offsetLength:]))
}

// Xid returns the transaction id.
func (f *Frame) Xid() uint32 {
	return binary.BigEndian.Uint32(f.buf[offsetXid:])
}

// Complete reports whether every declared byte has been received.
func (f *Frame) Complete() bool {
	return f.filled >= HeaderSize && f.filled == f.Length()
}

// Receiver pulls bytes that are available right now. It returns
// ErrWouldBlock, or zero bytes and a nil error, when nothing is pending.
type Receiver interface {
	Recv(p []byte) (int, error)
}

// reassembler turns a byte stream into frames. It is not safe for
// concurrent use; the session serialises readable events.
type reassembler struct {
	frame *Frame
}

// next returns the next complete frame, or nil when more data is needed.
// Partial state survives between calls. On error the partial frame is
// dropped.
func (r *reassembler) next(rx Receiver) (*Frame, error) {
	if r.frame == nil {
		r.frame = &Frame{buf: make([]byte, HeaderSize)}
	}
	f := r.frame

	for {
		want := HeaderSize
		if f.filled >= HeaderSize {
			want = f.Length()
			if want < HeaderSize {
				r.reset()
				return nil, ErrInvalidLength
			}
			f.declared = want
		}

		if len(f.buf) < want {
			grown := make([]byte, want)
			copy(grown, f.buf[:f.filled])
			f.buf = grown
		}

		n, err := rx.Recv(f.buf[f.filled:want])
		if n > 0 {
			f.filled += n
		}

		if f.filled >= HeaderSize {
			declared := f.Length()
			if declared < HeaderSize {
				r.reset()
				return nil, ErrInvalidLength
			}
			if declared == f.filled {
				f.declared = declared
				r.frame = nil
				return f, nil
			}
		}

		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return nil, nil
			}
			r.reset()
			return nil, errors.Wrap(err, "frame: recv")
		}
		if n == 0 {
			return nil, nil
		}
	}
}

// pending reports whether a partial frame is buffered.
func (r *reassembler) pending() bool {
	return r.frame != nil && r.frame.filled > 0
}

func (r *reassembler) reset() {
	r.frame = nil
}
