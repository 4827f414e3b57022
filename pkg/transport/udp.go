package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// UDP provides the datagram socket for a CoAP agent.
// It wraps a net.PacketConn and runs a read loop that calls the configured
// MessageHandler for each received datagram.
type UDP struct {
	conn          net.PacketConn
	handler       MessageHandler
	onError       ErrorHandler
	maxPacketSize int
	closeCh       chan struct{}
	wg            sync.WaitGroup
	log           logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":5683").
	// Ignored if Conn is provided.
	ListenAddr string

	// MaxPacketSize bounds outgoing and incoming datagrams.
	// Default: message.MaxUDPMessageSize.
	MaxPacketSize int

	// MessageHandler is called for each received datagram.
	// Required.
	MessageHandler MessageHandler

	// ErrorHandler is called if the read loop dies on a socket error.
	// Optional.
	ErrorHandler ErrorHandler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = message.MaxUDPMessageSize
	}

	u := &UDP{
		conn:          config.Conn,
		handler:       config.MessageHandler,
		onError:       config.ErrorHandler,
		maxPacketSize: config.MaxPacketSize,
		closeCh:       make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop for receiving datagrams.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	close(u.closeCh)

	// Unblock a pending read before closing.
	_ = u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.wg.Wait()

	return err
}

// Send writes one datagram to addr.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return ErrClosed
	}
	u.mu.RUnlock()

	if addr == nil {
		return ErrInvalidAddress
	}

	if len(data) > u.maxPacketSize {
		return ErrMessageTooLarge
	}

	if u.log != nil {
		u.log.Debugf("sending %d bytes to %v", len(data), addr)
	}

	if _, err := u.conn.WriteTo(data, addr); err != nil {
		if u.log != nil {
			u.log.Warnf("send failed: %v", err)
		}
		return err
	}

	return nil
}

// LocalAddr returns the local address the transport is bound to.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// MaxPacketSize returns the configured datagram size bound.
func (u *UDP) MaxPacketSize() int {
	return u.maxPacketSize
}

// readLoop reads datagrams from the connection and dispatches them.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	// One spare byte detects datagrams larger than the bound.
	buf := make([]byte, u.maxPacketSize+1)

	for {
		select {
		case <-u.closeCh:
			return
		default:
		}

		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			if u.log != nil {
				u.log.Warnf("UDP read error: %v", err)
			}
			if u.onError != nil {
				u.onError(err)
			}
			return
		}

		if n == 0 {
			continue
		}
		if n > u.maxPacketSize {
			if u.log != nil {
				u.log.Warnf("dropping oversized datagram (%d bytes) from %v", n, addr)
			}
			continue
		}

		// The handler owns its copy.
		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Debugf("received %d bytes from %v", n, addr)
		}

		u.handler(&ReceivedMessage{
			Data: data,
			Addr: addr,
		})
	}
}
