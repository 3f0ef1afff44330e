// Package frames implements the AMQP 1.0 frame envelope and the
// described-list performatives (and their SASL counterparts) that ride
// inside it, on top of the primitive codec in internal/encoding.
package frames

import (
	"fmt"

	"github.com/amqpworks/amqp10/internal/buffer"
	"github.com/amqpworks/amqp10/internal/encoding"
)

// HeaderSize is the fixed 8-byte length of a frame header.
const HeaderSize = 8

// Frame types, carried in the header's type byte.
const (
	TypeAMQP uint8 = 0x0
	TypeSASL uint8 = 0x1
)

// Header is the 8-byte envelope that precedes every frame body.
type Header struct {
	Size       uint32
	DataOffset uint8
	FrameType  uint8
	Channel    uint16
}

// Marshal writes the header fields as given. Every caller in this module
// sets DataOffset to 2 (the minimal value), since this implementation
// never sends an extended header.
func (h Header) Marshal(wr *buffer.Buffer) error {
	wr.AppendUint32(h.Size)
	wr.AppendByte(h.DataOffset)
	wr.AppendByte(h.FrameType)
	wr.AppendUint16(h.Channel)
	return nil
}

// ParseHeader reads and validates a frame header from r.
func ParseHeader(r *buffer.Buffer) (Header, error) {
	var h Header
	size, err := r.ReadUint32()
	if err != nil {
		return h, err
	}
	doff, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	typ, err := r.ReadByte()
	if err != nil {
		return h, err
	}
	ch, err := r.ReadUint16()
	if err != nil {
		return h, err
	}
	h = Header{Size: size, DataOffset: doff, FrameType: typ, Channel: ch}
	if int(h.DataOffset)*4 < HeaderSize {
		return h, fmt.Errorf("frames: invalid data offset %d", h.DataOffset)
	}
	if extra := int(h.DataOffset)*4 - HeaderSize; extra > 0 {
		if !r.Skip(extra) {
			return h, buffer.ErrInsufficientData
		}
	}
	return h, nil
}

// FrameBody is implemented by every performative and SASL frame body.
type FrameBody interface {
	frameBody()
}

// Empty represents a frame with a zero-length body: the AMQP
// keep-alive / heartbeat.
type Empty struct{}

func (*Empty) frameBody() {}

// ParseBody decodes a single performative or SASL frame body from r,
// which must contain exactly that body's bytes (the caller has already
// sliced off the frame header and any extended header). An empty r
// decodes to Empty. Transfer is unique: once its described list is
// consumed, any remaining bytes in r are the raw message payload and
// are attached to the returned PerformTransfer rather than rejected.
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	if r.Len() == 0 {
		return &Empty{}, nil
	}

	code, err := encoding.PeekDescriptorCode(r)
	if err != nil {
		return nil, err
	}

	var body FrameBody
	switch encoding.TypeCode(code) {
	case encoding.TypeCodeOpen:
		body = &PerformOpen{}
	case encoding.TypeCodeBegin:
		body = &PerformBegin{}
	case encoding.TypeCodeAttach:
		body = &PerformAttach{}
	case encoding.TypeCodeFlow:
		body = &PerformFlow{}
	case encoding.TypeCodeTransfer:
		body = &PerformTransfer{}
	case encoding.TypeCodeDisposition:
		body = &PerformDisposition{}
	case encoding.TypeCodeDetach:
		body = &PerformDetach{}
	case encoding.TypeCodeEnd:
		body = &PerformEnd{}
	case encoding.TypeCodeClose:
		body = &PerformClose{}
	case encoding.TypeCodeSASLMechanisms:
		body = &SASLMechanisms{}
	case encoding.TypeCodeSASLInit:
		body = &SASLInit{}
	case encoding.TypeCodeSASLChallenge:
		body = &SASLChallenge{}
	case encoding.TypeCodeSASLResponse:
		body = &SASLResponse{}
	case encoding.TypeCodeSASLOutcome:
		body = &SASLOutcome{}
	default:
		return nil, encoding.InvalidDescriptor{Descriptor: code}
	}

	if err := body.(encoding.Unmarshaler).Unmarshal(r); err != nil {
		return nil, err
	}

	if xfer, ok := body.(*PerformTransfer); ok {
		xfer.Payload = append([]byte(nil), r.Bytes()...)
		_, _ = r.Next(int64(r.Len()))
		return xfer, nil
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("frames: %d unparsed bytes left after %T", r.Len(), body)
	}
	return body, nil
}
