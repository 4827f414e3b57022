// Package message implements the CoAP message model used by the exchange
// layer: message types, codes, options and the block option value.
//
// The package provides:
//   - Message type and code enumerations (RFC 7252 Section 3, 12.1)
//   - Option numbers and typed option accessors (uint, opaque, string)
//   - Block1/Block2 option value encoding (RFC 7959 Section 2.2)
//   - A Codec interface and a UDP wire codec backed by go-coap
package message

import "fmt"

// Type is the 2-bit CoAP message type.
// See RFC 7252 Section 4.
type Type uint8

const (
	// Confirmable messages require an acknowledgement and are retransmitted
	// until one arrives, a reset arrives, or retries are exhausted.
	Confirmable Type = 0

	// NonConfirmable messages are sent once and never acknowledged.
	NonConfirmable Type = 1

	// Acknowledgement confirms receipt of a specific Confirmable message.
	// It may carry a piggybacked response.
	Acknowledgement Type = 2

	// Reset indicates a message was received but could not be processed.
	Reset Type = 3
)

// String returns the conventional short name for the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is one of the four defined values.
func (t Type) IsValid() bool {
	return t <= Reset
}

// Code is the 8-bit CoAP code, split into a 3-bit class and a 5-bit detail.
// It is written as "c.dd", e.g. 2.05 Content = 69.
type Code uint8

// NewCode builds a code from its class and detail parts.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Request method codes (class 0).
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes.
const (
	Created                  Code = 65  // 2.01
	Deleted                  Code = 66  // 2.02
	Valid                    Code = 67  // 2.03
	Changed                  Code = 68  // 2.04
	Content                  Code = 69  // 2.05
	Continue                 Code = 95  // 2.31
	BadRequest               Code = 128 // 4.00
	Unauthorized             Code = 129 // 4.01
	BadOption                Code = 130 // 4.02
	Forbidden                Code = 131 // 4.03
	NotFound                 Code = 132 // 4.04
	MethodNotAllowed         Code = 133 // 4.05
	NotAcceptable            Code = 134 // 4.06
	RequestEntityIncomplete  Code = 136 // 4.08
	PreconditionFailed       Code = 140 // 4.12
	RequestEntityTooLarge    Code = 141 // 4.13
	UnsupportedContentFormat Code = 143 // 4.15
	InternalServerError      Code = 160 // 5.00
	NotImplemented           Code = 161 // 5.01
	BadGateway               Code = 162 // 5.02
	ServiceUnavailable       Code = 163 // 5.03
	GatewayTimeout           Code = 164 // 5.04
	ProxyingNotSupported     Code = 165 // 5.05
)

// Class returns the 3-bit class of the code.
func (c Code) Class() uint8 {
	return uint8(c) >> 5
}

// Detail returns the 5-bit detail of the code.
func (c Code) Detail() uint8 {
	return uint8(c) & 0x1f
}

// IsEmpty returns true for the 0.00 code used by empty ACK/RST/ping messages.
func (c Code) IsEmpty() bool {
	return c == Empty
}

// IsRequest returns true for method codes (class 0, non-empty).
func (c Code) IsRequest() bool {
	return c.Class() == 0 && c != Empty
}

// IsResponse returns true for response codes (classes 2 through 5).
func (c Code) IsResponse() bool {
	class := c.Class()
	return class >= 2 && class <= 5
}

// String returns the dotted "c.dd" notation.
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// OptionID is a CoAP option number.
// See RFC 7252 Section 5.10, RFC 7641, RFC 7959.
type OptionID uint16

// Registered option numbers.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// IsCritical returns true for critical options (odd option numbers).
func (id OptionID) IsCritical() bool {
	return id&1 == 1
}

// IsRepeatable returns true for options that may occur more than once.
func (id OptionID) IsRepeatable() bool {
	switch id {
	case IfMatch, ETag, LocationPath, URIPath, URIQuery, LocationQuery:
		return true
	default:
		return false
	}
}

// Content-Format identifiers used by this module.
const (
	TextPlain     uint32 = 0
	AppLinkFormat uint32 = 40
	AppOctets     uint32 = 42
	AppJSON       uint32 = 50
	AppCBOR       uint32 = 60
)
