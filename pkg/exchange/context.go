package exchange

import (
	"net"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Key identifies an exchange: (token, remote endpoint).
// Multicast exchanges use an empty Endpoint since responses arrive from
// many senders.
type Key struct {
	Token    string
	Endpoint string
}

// Exchange is one logical request/response conversation.
//
// An Exchange is owned by the Tracker it is registered with and is not
// safe for concurrent use; the owner mutates it from a single goroutine.
type Exchange struct {
	// Token correlates the request with its response(s).
	Token message.Token

	// Addr is the remote endpoint (the group address for multicast).
	Addr net.Addr

	// Role indicates if we sent or received the request.
	Role Role

	// Request is the request message.
	Request *message.Message

	// MessageID is the ID of the latest message sent on this exchange,
	// used to match ACK and RST. It changes on blockwise follow-ups.
	MessageID uint16

	// State is the lifecycle state.
	State State

	// Transmit is the reliability state of the latest confirmable message.
	Transmit TransmitState

	// Multicast marks requests sent to a group address.
	Multicast bool

	// Observe marks observe registrations.
	Observe bool

	// Created is when the exchange was registered.
	Created time.Time

	// Err is the terminal error of a failed exchange.
	Err error

	endpoint string
}

// ExchangeConfig is used to create a new exchange.
type ExchangeConfig struct {
	Token     message.Token
	Addr      net.Addr
	Role      Role
	Request   *message.Message
	MessageID uint16
	Multicast bool
	Observe   bool
	Created   time.Time
}

// NewExchange creates a new active exchange.
func NewExchange(config ExchangeConfig) *Exchange {
	transmit := TransmitNone
	if config.Request != nil && config.Request.Type == message.Confirmable {
		transmit = TransmitUnacked
	}
	if config.Created.IsZero() {
		config.Created = time.Now()
	}
	return &Exchange{
		Token:     config.Token,
		Addr:      config.Addr,
		Role:      config.Role,
		Request:   config.Request,
		MessageID: config.MessageID,
		State:     StateActive,
		Transmit:  transmit,
		Multicast: config.Multicast,
		Observe:   config.Observe,
		Created:   config.Created,
		endpoint:  transport.EndpointKey(config.Addr),
	}
}

// Key returns the tracker key of the exchange.
func (e *Exchange) Key() Key {
	if e.Multicast {
		return Key{Token: string(e.Token)}
	}
	return Key{Token: string(e.Token), Endpoint: e.endpoint}
}

// Endpoint returns the endpoint key of the remote address.
func (e *Exchange) Endpoint() string {
	return e.endpoint
}

// IsDone returns true once the exchange reached a terminal state.
func (e *Exchange) IsDone() bool {
	return e.State.IsTerminal()
}

// Complete marks the exchange as successfully finished.
// Returns false if it was already terminal.
func (e *Exchange) Complete() bool {
	if e.IsDone() {
		return false
	}
	e.State = StateCompleted
	return true
}

// Fail marks the exchange as failed with err.
// Returns false if it was already terminal.
func (e *Exchange) Fail(err error) bool {
	if e.IsDone() {
		return false
	}
	e.State = StateFailed
	e.Err = err
	return true
}

// Cancel marks the exchange as abandoned by the local side.
// Returns false if it was already terminal.
func (e *Exchange) Cancel() bool {
	if e.IsDone() {
		return false
	}
	e.State = StateCanceled
	return true
}
