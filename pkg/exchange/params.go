package exchange

import (
	"fmt"
	"math"
	"time"

	"github.com/backkem/coap/pkg/message"
)

// Transmission parameter defaults from RFC 7252 Section 4.8.
const (
	// DefaultAckTimeout is the initial wait for an acknowledgement.
	// RFC 7252: ACK_TIMEOUT = 2s
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor scales the initial timeout to add jitter.
	// RFC 7252: ACK_RANDOM_FACTOR = 1.5
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit bounds timer expiries before a confirmable
	// message is given up on. The last expiry times the message out
	// instead of resending it, so a message is retransmitted
	// DefaultMaxRetransmit-1 times.
	// RFC 7252: MAX_RETRANSMIT = 4
	DefaultMaxRetransmit = 4

	// NoRetransmit as Params.MaxRetransmit disables retransmission: a
	// confirmable message times out at its first timer expiry.
	NoRetransmit = -1

	// DefaultMaxLatency is the assumed maximum one-way network delay.
	// RFC 7252: MAX_LATENCY = 100s
	DefaultMaxLatency = 100 * time.Second

	// DefaultPiggybackDelay is how long a server waits for the application
	// response before sending an empty ACK.
	DefaultPiggybackDelay = 50 * time.Millisecond

	// DefaultMulticastTimeout is the response collection window for
	// multicast requests.
	DefaultMulticastTimeout = 20 * time.Second

	// DefaultBlockSize is the preferred block size for blockwise transfers.
	DefaultBlockSize = 1024
)

// Params holds the timing and sizing parameters of an Agent.
//
// A Params value is copied into every Agent at construction; there is no
// package-level mutable instance. Start from DefaultParams and override
// individual fields, or set only the fields of interest and let
// WithDefaults fill the rest.
type Params struct {
	// AckTimeout is the base retransmission timeout.
	AckTimeout time.Duration

	// AckRandomFactor scales AckTimeout for the first delay; must be >= 1.
	AckRandomFactor float64

	// MaxRetransmit is the number of timer expiries after which a
	// confirmable message times out. Every expiry but the last resends the
	// message, so it is retransmitted MaxRetransmit-1 times. Zero means
	// DefaultMaxRetransmit; use NoRetransmit to never resend.
	MaxRetransmit int

	// MaxLatency is the maximum expected one-way network latency.
	MaxLatency time.Duration

	// ProcessingDelay is the time a node takes to turn a CON into an ACK.
	// Defaults to AckTimeout.
	ProcessingDelay time.Duration

	// PiggybackDelay is the window a server gives its handler to respond
	// before sending an empty ACK.
	PiggybackDelay time.Duration

	// MaxPacketSize bounds encoded datagrams.
	MaxPacketSize int

	// SkipAcksForNonConfirmable stops the Agent from acknowledging NON
	// responses with an empty ACK. By default they are acknowledged.
	SkipAcksForNonConfirmable bool

	// MulticastTimeout is how long multicast responses are collected.
	MulticastTimeout time.Duration

	// BlockSize is the preferred block size for blockwise transfers, a
	// power of two between 16 and 1024.
	BlockSize int
}

// DefaultParams returns the built-in parameter set.
func DefaultParams() Params {
	return Params{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		MaxLatency:       DefaultMaxLatency,
		ProcessingDelay:  DefaultAckTimeout,
		PiggybackDelay:   DefaultPiggybackDelay,
		MaxPacketSize:    message.MaxUDPMessageSize,
		MulticastTimeout: DefaultMulticastTimeout,
		BlockSize:        DefaultBlockSize,
	}
}

// WithDefaults returns a copy of p with zero-valued fields replaced by
// their defaults.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.AckTimeout == 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor == 0 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxRetransmit == 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.MaxLatency == 0 {
		p.MaxLatency = d.MaxLatency
	}
	if p.ProcessingDelay == 0 {
		p.ProcessingDelay = p.AckTimeout
	}
	if p.PiggybackDelay == 0 {
		p.PiggybackDelay = d.PiggybackDelay
	}
	if p.MaxPacketSize == 0 {
		p.MaxPacketSize = d.MaxPacketSize
	}
	if p.MulticastTimeout == 0 {
		p.MulticastTimeout = d.MulticastTimeout
	}
	if p.BlockSize == 0 {
		p.BlockSize = d.BlockSize
	}
	return p
}

// Validate reports parameter combinations the engine cannot run with.
func (p Params) Validate() error {
	switch {
	case p.AckTimeout <= 0:
		return fmt.Errorf("%w: ack timeout must be positive", ErrInvalidParams)
	case p.AckRandomFactor < 1:
		return fmt.Errorf("%w: ack random factor must be >= 1", ErrInvalidParams)
	case p.MaxRetransmit < NoRetransmit || p.MaxRetransmit > 20:
		return fmt.Errorf("%w: max retransmit out of range", ErrInvalidParams)
	case p.PiggybackDelay < 0:
		return fmt.Errorf("%w: negative piggyback delay", ErrInvalidParams)
	case p.MaxPacketSize < 64:
		return fmt.Errorf("%w: max packet size too small", ErrInvalidParams)
	case p.BlockSize < 16 || p.BlockSize > 1024 || p.BlockSize&(p.BlockSize-1) != 0:
		return fmt.Errorf("%w: block size must be a power of two in [16, 1024]", ErrInvalidParams)
	}
	return nil
}

// BlockSZX returns the size exponent for BlockSize.
func (p Params) BlockSZX() uint8 {
	return message.SZXForSize(p.BlockSize)
}

// MaxTransmitSpan is the longest time from the first transmission of a
// confirmable message to its last retransmission.
func (p Params) MaxTransmitSpan() time.Duration {
	n := p.MaxRetransmit
	if n < 0 {
		n = 0
	}
	return time.Duration(float64(p.AckTimeout) * (math.Pow(2, float64(n)) - 1) * p.AckRandomFactor)
}

// ExchangeLifetime is how long a message ID stays in use after the first
// transmission of a confirmable message.
func (p Params) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*p.MaxLatency + p.ProcessingDelay
}

// DedupLifetime is how long the dedup cache remembers a message ID.
func (p Params) DedupLifetime() time.Duration {
	span := p.MaxTransmitSpan()
	if span < p.AckTimeout {
		span = p.AckTimeout
	}
	return span
}
