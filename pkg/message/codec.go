package message

import (
	"cmp"
	"fmt"
	"slices"

	coapmsg "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// decodeOptionCapacity bounds the number of options accepted in one datagram.
const decodeOptionCapacity = 64

// Codec converts between structured messages and datagram bytes.
// Implementations hold no protocol state.
type Codec interface {
	// Encode serializes a message into a new buffer.
	Encode(m *Message) ([]byte, error)

	// Decode parses a datagram. The returned message may alias data,
	// so callers must not reuse the buffer afterwards.
	Decode(data []byte) (*Message, error)
}

// UDPCodec is the RFC 7252 UDP wire codec, backed by go-coap's udp/coder.
type UDPCodec struct{}

// DefaultCodec is the codec used when none is configured.
var DefaultCodec Codec = UDPCodec{}

// Encode implements Codec.
func (UDPCodec) Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	opts := make(coapmsg.Options, len(m.Options))
	for i, opt := range m.Options {
		opts[i] = coapmsg.Option{ID: coapmsg.OptionID(opt.ID), Value: opt.Value}
	}
	// Delta encoding requires ascending IDs; stable keeps repeat order.
	slices.SortStableFunc(opts, func(a, b coapmsg.Option) int {
		return cmp.Compare(a.ID, b.ID)
	})

	wire := coapmsg.Message{
		Token:     coapmsg.Token(m.Token),
		Options:   opts,
		Code:      codes.Code(m.Code),
		Payload:   m.Payload,
		MessageID: int32(m.MessageID),
		Type:      coapmsg.Type(m.Type),
	}

	size, err := coder.DefaultCoder.Size(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	buf := make([]byte, size)
	n, err := coder.DefaultCoder.Encode(wire, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf[:n], nil
}

// Decode implements Codec.
func (UDPCodec) Decode(data []byte) (*Message, error) {
	wire := coapmsg.Message{
		Options: make(coapmsg.Options, 0, decodeOptionCapacity),
	}
	if _, err := coder.DefaultCoder.Decode(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	m := &Message{
		Type:      Type(wire.Type),
		Code:      Code(wire.Code),
		MessageID: uint16(wire.MessageID),
		Payload:   wire.Payload,
	}
	if len(wire.Token) > 0 {
		m.Token = Token(wire.Token)
	}
	if len(wire.Options) > 0 {
		m.Options = make(Options, len(wire.Options))
		for i, opt := range wire.Options {
			m.Options[i] = Option{ID: OptionID(opt.ID), Value: opt.Value}
		}
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}

// PeekHeader extracts type, message ID and token length from the fixed
// header without a full decode. Used to answer malformed confirmable
// datagrams with a reset.
func PeekHeader(data []byte) (typ Type, messageID uint16, ok bool) {
	if len(data) < 4 || data[0]>>6 != Version {
		return 0, 0, false
	}
	return Type(data[0] >> 4 & 0x3), uint16(data[2])<<8 | uint16(data[3]), true
}
