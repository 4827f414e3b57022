package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the exchange package.
var (
	// ErrTimeout matches *TimeoutError.
	ErrTimeout = errors.New("exchange: timed out")

	// ErrReset is returned when the peer rejected the exchange with RST.
	ErrReset = errors.New("exchange: reset by peer")

	// ErrTransport matches *TransportError.
	ErrTransport = errors.New("exchange: transport error")

	// ErrProtocol matches *ProtocolError.
	ErrProtocol = errors.New("exchange: protocol error")

	// ErrStrayMessage marks an incoming message with no matching exchange.
	// It is used for bookkeeping and never surfaced to callers.
	ErrStrayMessage = errors.New("exchange: stray message")

	// ErrExchangeExists is returned when registering a duplicate exchange.
	ErrExchangeExists = errors.New("exchange: exchange already exists")

	// ErrExchangeNotFound is returned when an exchange cannot be found.
	ErrExchangeNotFound = errors.New("exchange: exchange not found")

	// ErrPendingRetransmit is returned when a message ID already has a
	// pending retransmission for the endpoint.
	ErrPendingRetransmit = errors.New("exchange: message id already pending")

	// ErrSubscriptionClosed is returned for operations on a closed
	// observe subscription.
	ErrSubscriptionClosed = errors.New("exchange: subscription closed")

	// ErrInvalidParams is returned by Params.Validate.
	ErrInvalidParams = errors.New("exchange: invalid parameters")

	// ErrBlockOutOfRange is returned for a block beyond the payload end.
	ErrBlockOutOfRange = errors.New("exchange: block out of range")

	// ErrEntityTooLarge is returned when a reassembled body exceeds its bound.
	ErrEntityTooLarge = errors.New("exchange: entity too large")
)

// TimeoutError reports a confirmable message that was never acknowledged.
type TimeoutError struct {
	// Elapsed is the time from the first transmission to giving up.
	Elapsed time.Duration

	// Retransmissions counts transmissions after the first.
	Retransmissions int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exchange: timed out after %v and %d retransmissions", e.Elapsed, e.Retransmissions)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError wraps a socket failure. It is fatal to every exchange on
// the owning Agent.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "exchange: transport error: " + e.Err.Error()
}

// Unwrap returns the socket error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransport) match.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ProtocolError reports a malformed datagram or an out-of-sequence block.
type ProtocolError struct {
	Reason string
	Err    error
}

// NewProtocolError returns a *ProtocolError with a formatted reason.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "exchange: protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "exchange: protocol error: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProtocol) match.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
