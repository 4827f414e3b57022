package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// Token is the opaque request/response correlation identifier (0-8 bytes).
type Token []byte

// String returns the token in lowercase hex.
func (t Token) String() string {
	return hex.EncodeToString(t)
}

// Equal reports whether two tokens hold the same bytes.
func (t Token) Equal(other Token) bool {
	return bytes.Equal(t, other)
}

// Option is a single CoAP option instance.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an ordered list of options. Repeatable options appear once per
// value, in the order they were added.
type Options []Option

// Message is a structured CoAP message as produced and consumed by a Codec.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     Token
	Options   Options
	Payload   []byte
}

// NewRequest creates a request with the given type, method and URI path.
// The path is split on "/" into Uri-Path options.
func NewRequest(typ Type, method Code, path string) *Message {
	m := &Message{Type: typ, Code: method}
	m.SetPath(path)
	return m
}

// NewEmpty creates an empty message (ACK or RST) for the given message ID.
func NewEmpty(typ Type, messageID uint16) *Message {
	return &Message{Type: typ, Code: Empty, MessageID: messageID}
}

// Validate checks structural rules that do not depend on the wire format.
func (m *Message) Validate() error {
	if !m.Type.IsValid() {
		return ErrInvalidType
	}
	if len(m.Token) > MaxTokenLength {
		return ErrTokenTooLong
	}
	if m.Code == Empty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return ErrEmptyWithTokens
	}
	return nil
}

// IsRequest returns true if the message carries a method code.
func (m *Message) IsRequest() bool {
	return m.Code.IsRequest()
}

// IsResponse returns true if the message carries a response code.
func (m *Message) IsResponse() bool {
	return m.Code.IsResponse()
}

// IsEmpty returns true for empty ACK/RST/ping messages.
func (m *Message) IsEmpty() bool {
	return m.Code == Empty
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
	}
	if m.Token != nil {
		c.Token = append(Token(nil), m.Token...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Options != nil {
		c.Options = make(Options, len(m.Options))
		for i, opt := range m.Options {
			c.Options[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
		}
	}
	return c
}

// String returns a compact human-readable summary used in logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%s opts=%d payload=%dB",
		m.Type, m.Code, m.MessageID, m.Token, len(m.Options), len(m.Payload))
}

// Option returns the first value of the given option.
func (m *Message) Option(id OptionID) ([]byte, bool) {
	for _, opt := range m.Options {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// OptionValues returns every value of a (repeatable) option in order.
func (m *Message) OptionValues(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range m.Options {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// HasOption returns true if the option is present at least once.
func (m *Message) HasOption(id OptionID) bool {
	_, ok := m.Option(id)
	return ok
}

// AddOption appends an option instance.
func (m *Message) AddOption(id OptionID, value []byte) {
	m.Options = append(m.Options, Option{ID: id, Value: value})
}

// SetOption replaces all instances of an option with a single value.
func (m *Message) SetOption(id OptionID, value []byte) {
	m.RemoveOption(id)
	m.AddOption(id, value)
}

// RemoveOption removes all instances of an option.
func (m *Message) RemoveOption(id OptionID) {
	kept := m.Options[:0]
	for _, opt := range m.Options {
		if opt.ID != id {
			kept = append(kept, opt)
		}
	}
	m.Options = kept
}

// Uint returns the first value of a uint-format option.
func (m *Message) Uint(id OptionID) (uint32, error) {
	v, ok := m.Option(id)
	if !ok {
		return 0, ErrOptionNotFound
	}
	return DecodeUint(v)
}

// SetUint replaces an option with a uint-format value.
func (m *Message) SetUint(id OptionID, v uint32) {
	m.SetOption(id, EncodeUint(v))
}

// Path returns the Uri-Path options joined with "/" and a leading slash.
func (m *Message) Path() string {
	values := m.OptionValues(URIPath)
	if len(values) == 0 {
		return "/"
	}
	segments := make([]string, len(values))
	for i, v := range values {
		segments[i] = string(v)
	}
	return "/" + strings.Join(segments, "/")
}

// SetPath replaces the Uri-Path options with the segments of path.
func (m *Message) SetPath(path string) {
	m.RemoveOption(URIPath)
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			m.AddOption(URIPath, []byte(seg))
		}
	}
}

// Queries returns the Uri-Query option values.
func (m *Message) Queries() []string {
	values := m.OptionValues(URIQuery)
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// AddQuery appends a Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.AddOption(URIQuery, []byte(q))
}

// ObserveValue returns the Observe option value.
func (m *Message) ObserveValue() (uint32, bool) {
	v, err := m.Uint(Observe)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetObserve sets the Observe option. Requests use 0 to register and 1 to
// deregister; notifications carry a 24-bit sequence number.
func (m *Message) SetObserve(seq uint32) {
	m.SetUint(Observe, seq&0xFFFFFF)
}

// ContentFormat returns the Content-Format option value.
func (m *Message) ContentFormat() (uint32, bool) {
	v, err := m.Uint(ContentFormat)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(format uint32) {
	m.SetUint(ContentFormat, format)
}

// Block returns the decoded Block1 or Block2 option.
func (m *Message) Block(id OptionID) (BlockValue, bool, error) {
	v, ok := m.Option(id)
	if !ok {
		return BlockValue{}, false, nil
	}
	raw, err := DecodeUint(v)
	if err != nil {
		return BlockValue{}, true, err
	}
	b, err := DecodeBlock(raw)
	return b, true, err
}

// SetBlock sets the Block1 or Block2 option.
func (m *Message) SetBlock(id OptionID, b BlockValue) error {
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	m.SetUint(id, raw)
	return nil
}

// EncodeUint encodes v in the minimal big-endian form used by uint options.
// Zero encodes as an empty value.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint decodes a uint option value of up to 4 bytes.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrOptionTooLong
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}
