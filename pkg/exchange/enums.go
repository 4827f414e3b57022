// Package exchange implements the CoAP message layer: reliability and
// request/response bookkeeping on top of an unreliable datagram transport.
//
// It provides:
//
//   - Retransmission of confirmable messages with exponential backoff
//   - Piggyback window tracking for inbound confirmable requests
//   - Duplicate detection by (endpoint, message ID)
//   - Matching of ACK/RST and responses to outstanding exchanges
//   - Observe subscription ordering (RFC 7641)
//   - Blockwise reassembly and splitting (RFC 7959)
//
// The tables are safe for concurrent use, but are designed to be driven
// from a single owner goroutine: timer callbacks only report expiry and the
// owner decides what to send.
package exchange

// Role indicates which side of an exchange the local node is on.
type Role int

const (
	// RoleUnknown indicates an uninitialized or invalid role.
	RoleUnknown Role = iota

	// RoleClient indicates the node that sent the request.
	RoleClient

	// RoleServer indicates the node that received the request.
	RoleServer
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "Client"
	case RoleServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the role is a defined value.
func (r Role) IsValid() bool {
	return r == RoleClient || r == RoleServer
}

// TransmitState is the reliability state of one outgoing confirmable message.
//
//	Unacked -> {Acknowledged, Reset, TimedOut}
type TransmitState int

const (
	// TransmitNone marks messages that do not need an acknowledgement.
	TransmitNone TransmitState = iota

	// TransmitUnacked means the message is waiting for ACK or RST.
	TransmitUnacked

	// TransmitAcknowledged means a matching ACK arrived.
	TransmitAcknowledged

	// TransmitReset means a matching RST arrived.
	TransmitReset

	// TransmitTimedOut means retransmissions were exhausted.
	TransmitTimedOut
)

// String returns a human-readable name for the state.
func (s TransmitState) String() string {
	switch s {
	case TransmitNone:
		return "None"
	case TransmitUnacked:
		return "Unacked"
	case TransmitAcknowledged:
		return "Acknowledged"
	case TransmitReset:
		return "Reset"
	case TransmitTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// IsTerminal returns true for Acknowledged, Reset and TimedOut.
func (s TransmitState) IsTerminal() bool {
	return s == TransmitAcknowledged || s == TransmitReset || s == TransmitTimedOut
}

// State tracks the lifecycle of an exchange.
type State int

const (
	// StateUnknown indicates an uninitialized state.
	StateUnknown State = iota

	// StateActive indicates the exchange is waiting for its result.
	StateActive

	// StateCompleted indicates the final response was delivered.
	StateCompleted

	// StateFailed indicates a terminal error (timeout, reset, transport,
	// protocol).
	StateFailed

	// StateCanceled indicates the local side gave up on the exchange.
	StateCanceled
)

// String returns a human-readable name for the exchange state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StateActive && s <= StateCanceled
}

// IsTerminal returns true once no further messages belong to the exchange.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}
