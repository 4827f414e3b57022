package message

import "errors"

// Message layer errors.
var (
	ErrTokenTooLong    = errors.New("message: token longer than 8 bytes")
	ErrInvalidType     = errors.New("message: invalid message type")
	ErrOptionNotFound  = errors.New("message: option not found")
	ErrOptionTooLong   = errors.New("message: option value too long")
	ErrInvalidBlock    = errors.New("message: invalid block option value")
	ErrDecode          = errors.New("message: malformed datagram")
	ErrEncode          = errors.New("message: cannot encode message")
	ErrEmptyWithTokens = errors.New("message: empty message must not carry token, options or payload")
)

// Message format constants from RFC 7252.
const (
	// Version is the only defined CoAP protocol version.
	Version = 1

	// MaxTokenLength is the maximum token length in bytes.
	MaxTokenLength = 8

	// PayloadMarker separates options from the payload on the wire.
	PayloadMarker = 0xFF

	// DefaultPort is the default CoAP UDP port.
	DefaultPort = 5683

	// MaxUDPMessageSize is the recommended upper bound for a CoAP datagram
	// (IPv6 minimum MTU).
	MaxUDPMessageSize = 1280
)
