// Package coap implements a CoAP endpoint: the Agent.
//
// An Agent owns one UDP socket and every piece of per-message state that
// makes CoAP reliable over it: confirmable retransmission with exponential
// backoff, acknowledgement (piggybacked or empty), duplicate suppression,
// request/response matching, observe subscriptions and blockwise transfers.
// It acts as client (Send) and server (Handle/Listen) at the same time.
//
// All state is owned by a single event loop goroutine. The transport read
// loop, timers, handler goroutines and API callers post closures to it, so
// no two mutations of the registries ever race.
//
// Usage:
//
//	agent, _ := coap.NewAgent(coap.AgentConfig{})
//	defer agent.Close()
//
//	resp, err := agent.Get(ctx, addr, "/hello")
package coap

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTokenLength is the length of generated tokens.
	DefaultTokenLength = 4

	// DefaultMaxBodySize bounds reassembled blockwise bodies.
	DefaultMaxBodySize = 1 << 20

	// defaultMaxAge is the Max-Age of a notification without the option.
	defaultMaxAge = 60

	sweepMin = 100 * time.Millisecond
	sweepMax = 10 * time.Second
)

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Params are the transmission parameters. Zero fields take their
	// defaults, see exchange.Params.WithDefaults.
	Params exchange.Params

	// Factory creates the socket. Default: transport.NetFactory{}.
	Factory transport.Factory

	// Port is the local port used by Listen. Client-only agents bind an
	// ephemeral port.
	Port int

	// Handler serves inbound requests. Without one every request is
	// answered 4.04.
	Handler Handler

	// KeepOpen keeps the socket open while no exchange is active.
	KeepOpen bool

	// DisableBlockFollowUp delivers Block2 responses as they arrive
	// instead of fetching the remaining blocks.
	DisableBlockFollowUp bool

	// TokenLength is the length of generated tokens, 1 to 8.
	// Default: DefaultTokenLength.
	TokenLength int

	// MaxBodySize bounds reassembled bodies. Default: DefaultMaxBodySize.
	MaxBodySize int

	// Codec encodes and decodes datagrams. Default: message.DefaultCodec.
	Codec message.Codec

	// Registerer receives the Agent metrics. If nil, metrics are disabled.
	Registerer prometheus.Registerer

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Random supplies retransmission jitter. Default:
	// exchange.DefaultRandomSource.
	Random exchange.RandomSource

	// TimerFunc arms timers. Default: exchange.DefaultTimerFunc.
	TimerFunc exchange.TimerFunc
}

// socket is one opened transport. done is closed before the transport is
// stopped so its read loop never blocks on a loop that is stopping it.
type socket struct {
	udp  *transport.UDP
	done chan struct{}
}

// Agent is a CoAP endpoint. See the package documentation.
type Agent struct {
	id        string
	config    AgentConfig
	codec     message.Codec
	factory   transport.Factory
	timerFunc exchange.TimerFunc
	log       logging.LeveledLogger
	metrics   *Metrics

	ops       chan func()
	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// ctx is handed to request handlers and canceled on Close.
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state below.

	params    exchange.Params
	handler   Handler
	sock      *socket
	refs      int
	listening bool
	draining  bool
	closed    bool
	idle      []chan struct{}
	nextMID   uint16

	retransmit *exchange.RetransmitTable
	acks       *exchange.AckTable
	dedup      *exchange.DedupCache
	tracker    *exchange.Tracker
	subs       *exchange.ObserveRegistry
	observers  *exchange.ObserverList
	block1In   *exchange.TransferCache[*exchange.Reassembler]
	block2Out  *exchange.TransferCache[*blockCursor]

	clients map[*exchange.Exchange]*clientExchange
	handles map[*Exchange]*clientExchange
	servers map[*serverExchange]struct{}
}

// NewAgent creates an Agent and starts its event loop. No socket is opened
// until the first Send or Listen.
func NewAgent(config AgentConfig) (*Agent, error) {
	params := config.Params.WithDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if config.Factory == nil {
		config.Factory = transport.NetFactory{}
	}
	if config.Codec == nil {
		config.Codec = message.DefaultCodec
	}
	if config.TimerFunc == nil {
		config.TimerFunc = exchange.DefaultTimerFunc
	}
	if config.TokenLength <= 0 || config.TokenLength > message.MaxTokenLength {
		config.TokenLength = DefaultTokenLength
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	a := &Agent{
		id:        uuid.NewString(),
		config:    config,
		codec:     config.Codec,
		factory:   config.Factory,
		timerFunc: config.TimerFunc,
		ops:       make(chan func()),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		params:    params,
		handler:   config.Handler,
		retransmit: exchange.NewRetransmitTable(exchange.RetransmitConfig{
			Random:    config.Random,
			TimerFunc: config.TimerFunc,
		}),
		acks:      exchange.NewAckTable(config.TimerFunc),
		dedup:     exchange.NewDedupCache(params.DedupLifetime()),
		tracker:   exchange.NewTracker(),
		subs:      exchange.NewObserveRegistry(),
		observers: exchange.NewObserverList(),
		block1In:  exchange.NewTransferCache[*exchange.Reassembler](params.ExchangeLifetime()),
		block2Out: exchange.NewTransferCache[*blockCursor](params.ExchangeLifetime()),
		clients:   make(map[*exchange.Exchange]*clientExchange),
		handles:   make(map[*Exchange]*clientExchange),
		servers:   make(map[*serverExchange]struct{}),
	}
	a.metrics = NewMetrics(config.Registerer, a.id)
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("coap-agent")
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	// First message ID is random, later ones increment.
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err == nil {
		a.nextMID = binary.BigEndian.Uint16(buf[:])
	}

	go a.loop(sweepInterval(params))

	return a, nil
}

// ID returns the instance ID used as the agent metrics label.
func (a *Agent) ID() string {
	return a.id
}

func sweepInterval(p exchange.Params) time.Duration {
	d := p.DedupLifetime() / 2
	if d < sweepMin {
		return sweepMin
	}
	if d > sweepMax {
		return sweepMax
	}
	return d
}

// loop runs every state mutation of the Agent.
func (a *Agent) loop(sweepEvery time.Duration) {
	defer close(a.loopDone)

	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case fn := <-a.ops:
			fn()
		case now := <-sweep.C:
			a.sweep(now)
		case <-a.stop:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the loop has exited.
func (a *Agent) post(fn func()) bool {
	select {
	case a.ops <- fn:
		return true
	case <-a.loopDone:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (a *Agent) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case a.ops <- op:
	case <-a.loopDone:
		return ErrAgentClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (a *Agent) sweep(now time.Time) {
	n := a.dedup.Sweep(now)
	n += a.block1In.Sweep(now)
	n += a.block2Out.Sweep(now)
	if n > 0 {
		a.debugf("swept %d expired entries", n)
	}
}

// Handle sets the handler for inbound requests.
func (a *Agent) Handle(h Handler) error {
	return a.do(context.Background(), func() { a.handler = h })
}

// Listen opens the socket on the configured port and keeps it open until
// Close. It returns the bound address.
func (a *Agent) Listen() (net.Addr, error) {
	var addr net.Addr
	var err error
	if e := a.do(context.Background(), func() {
		if a.closed || a.draining {
			err = ErrAgentClosed
			return
		}
		if err = a.openSocket(a.config.Port); err != nil {
			return
		}
		a.listening = true
		addr = a.sock.udp.LocalAddr()
	}); e != nil {
		return nil, e
	}
	return addr, err
}

// LocalAddr returns the address of the open socket, or nil.
func (a *Agent) LocalAddr() net.Addr {
	var addr net.Addr
	_ = a.do(context.Background(), func() {
		if a.sock != nil {
			addr = a.sock.udp.LocalAddr()
		}
	})
	return addr
}

// Params returns the parameters applied to new exchanges.
func (a *Agent) Params() exchange.Params {
	var p exchange.Params
	_ = a.do(context.Background(), func() { p = a.params })
	return p
}

// SetParams replaces the parameters for exchanges created after the call.
// Running exchanges keep the parameters they started with.
func (a *Agent) SetParams(p exchange.Params) error {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	return a.do(context.Background(), func() {
		a.params = p
		a.dedup.SetLifetime(p.DedupLifetime())
	})
}

// Stats is a snapshot of the Agent's registries.
type Stats struct {
	// Exchanges counts outbound requests, Requests inbound ones still
	// being handled.
	Exchanges          int
	Requests           int
	PendingRetransmits int
	PendingAcks        int
	Subscriptions      int
	Observers          int
	DedupEntries       int
	SocketOpen         bool
}

// Stats returns a snapshot of the Agent's registries.
func (a *Agent) Stats() Stats {
	var s Stats
	_ = a.do(context.Background(), func() {
		s = Stats{
			Exchanges:          a.tracker.Len(),
			Requests:           len(a.servers),
			PendingRetransmits: a.retransmit.Count(),
			PendingAcks:        a.acks.Count(),
			Subscriptions:      a.subs.Len(),
			Observers:          a.observers.Len(),
			DedupEntries:       a.dedup.Len(),
			SocketOpen:         a.sock != nil,
		}
	})
	return s
}

// Close stops the Agent immediately. Pending exchanges fail with
// ErrAgentClosed and the socket is closed. Safe to call more than once.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		_ = a.do(context.Background(), func() { a.terminate(ErrAgentClosed) })
		close(a.stop)
		<-a.loopDone
		a.cancel()
		if a.log != nil {
			a.log.Info("agent closed")
		}
	})
	return nil
}

// Shutdown stops accepting new exchanges and waits for the active ones to
// finish before closing. Observe subscriptions are canceled right away
// since they never finish on their own. If ctx ends first the Agent is
// closed forcibly and ctx.Err() returned.
func (a *Agent) Shutdown(ctx context.Context) error {
	idle := make(chan struct{})
	err := a.do(ctx, func() {
		a.draining = true
		for h, ce := range a.handles {
			if h.kind == KindObserve {
				a.cancelClient(ce.handle, ErrCanceled)
			}
		}
		if a.refs == 0 {
			close(idle)
			return
		}
		a.idle = append(a.idle, idle)
	})
	switch {
	case errors.Is(err, ErrAgentClosed):
		return nil
	case err != nil:
		_ = a.Close()
		return err
	}

	select {
	case <-idle:
		return a.Close()
	case <-ctx.Done():
		_ = a.Close()
		return ctx.Err()
	}
}

// terminate fails everything and closes the socket.
func (a *Agent) terminate(err error) {
	a.closed = true
	for _, ce := range a.clients {
		a.finishClient(ce, nil, err)
	}
	for sx := range a.servers {
		sx.responded = true
		a.finishServer(sx)
	}
	a.retransmit.Clear()
	a.acks.Clear()
	a.closeSocket()
	a.wakeIdle()
}

// openSocket opens the transport if it is not open yet.
func (a *Agent) openSocket(port int) error {
	if a.sock != nil {
		return nil
	}

	conn, err := a.factory.CreateUDPConn(port)
	if err != nil {
		return &exchange.TransportError{Err: err}
	}

	sock := &socket{done: make(chan struct{})}
	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:          conn,
		MaxPacketSize: a.params.MaxPacketSize,
		MessageHandler: func(rm *transport.ReceivedMessage) {
			select {
			case a.ops <- func() { a.receive(sock, rm) }:
			case <-sock.done:
			case <-a.loopDone:
			}
		},
		ErrorHandler: func(err error) {
			select {
			case a.ops <- func() { a.socketFailed(sock, err) }:
			case <-sock.done:
			case <-a.loopDone:
			}
		},
		LoggerFactory: a.config.LoggerFactory,
	})
	if err != nil {
		_ = conn.Close()
		return &exchange.TransportError{Err: err}
	}
	sock.udp = udp
	if err := udp.Start(); err != nil {
		_ = conn.Close()
		return &exchange.TransportError{Err: err}
	}

	a.sock = sock
	if a.log != nil {
		a.log.Infof("socket open on %s", udp.LocalAddr())
	}
	return nil
}

// closeSocket stops the transport and waits for its read loop.
func (a *Agent) closeSocket() {
	if a.sock == nil {
		return
	}
	sock := a.sock
	a.sock = nil
	close(sock.done)
	_ = sock.udp.Stop()
	if a.log != nil {
		a.log.Info("socket closed")
	}
}

// socketFailed fails every client exchange when the read loop died.
func (a *Agent) socketFailed(sock *socket, err error) {
	if sock != a.sock {
		return
	}
	if a.log != nil {
		a.log.Warnf("socket failed: %v", err)
	}
	a.closeSocket()

	terr := &exchange.TransportError{Err: err}
	for _, ce := range a.clients {
		a.finishClient(ce, nil, terr)
	}
	for sx := range a.servers {
		sx.responded = true
		a.finishServer(sx)
	}
	a.acks.Clear()
}

// acquire counts one more active exchange.
func (a *Agent) acquire() {
	a.refs++
	a.metrics.setActive(a.refs)
}

// release counts one exchange less and closes the socket when idle.
func (a *Agent) release() {
	a.refs--
	a.metrics.setActive(a.refs)
	if a.refs > 0 {
		return
	}
	a.wakeIdle()
	a.closeIfIdle()
}

func (a *Agent) closeIfIdle() {
	if a.refs == 0 && !a.listening && !a.config.KeepOpen {
		a.closeSocket()
	}
}

func (a *Agent) wakeIdle() {
	for _, ch := range a.idle {
		close(ch)
	}
	a.idle = nil
}

// newMessageID returns a message ID not in use towards addr.
func (a *Agent) newMessageID(addr net.Addr) uint16 {
	for i := 0; i < 1<<16; i++ {
		mid := a.nextMID
		a.nextMID++
		if a.tracker.MIDInUse(addr, mid) {
			continue
		}
		if _, pending := a.retransmit.Get(addr, mid); pending {
			continue
		}
		return mid
	}
	return a.nextMID
}

// newToken returns a random token not used by any client exchange.
func (a *Agent) newToken() (message.Token, error) {
	for i := 0; i < 16; i++ {
		token := make(message.Token, a.config.TokenLength)
		if _, err := rand.Read(token); err != nil {
			return nil, err
		}
		if !a.tracker.TokenInUse(token) {
			return token, nil
		}
	}
	return nil, ErrTokenSpace
}

// write sends one datagram on the open socket.
func (a *Agent) write(data []byte, addr net.Addr, typ message.Type) error {
	if a.sock == nil {
		return ErrNoSocket
	}
	if err := a.sock.udp.Send(data, addr); err != nil {
		return &exchange.TransportError{Err: err}
	}
	a.metrics.sent(typ)
	return nil
}

// sendMessage encodes and sends m. The datagram is returned even if the
// write failed so it can be cached for duplicates.
func (a *Agent) sendMessage(m *message.Message, addr net.Addr) ([]byte, error) {
	data, err := a.codec.Encode(m)
	if err != nil {
		return nil, err
	}
	a.debugf("sending %s to %v", m, addr)
	return data, a.write(data, addr, m.Type)
}

// reply sends an empty ACK or RST for mid and caches it so duplicates of
// the acknowledged message get the same answer.
func (a *Agent) reply(typ message.Type, mid uint16, addr net.Addr) {
	data, err := a.sendMessage(message.NewEmpty(typ, mid), addr)
	if err != nil {
		a.warnf("sending %s for mid %d to %v: %v", typ, mid, addr, err)
	}
	if data != nil {
		a.dedup.SetReply(transport.EndpointKey(addr), mid, data)
	}
}

// trackConfirmable registers a sent CON with the retransmit table. Expiry
// is handled on the loop; onTimeout runs once retries are exhausted.
func (a *Agent) trackConfirmable(
	addr net.Addr,
	mid uint16,
	token message.Token,
	data []byte,
	params exchange.Params,
	onTimeout func(*exchange.RetransmitEntry),
) (*exchange.RetransmitEntry, error) {
	return a.retransmit.Add(addr, mid, token, data, params, func(e *exchange.RetransmitEntry) {
		a.post(func() { a.expire(e, onTimeout) })
	})
}

func (a *Agent) expire(e *exchange.RetransmitEntry, onTimeout func(*exchange.RetransmitEntry)) {
	switch a.retransmit.Expire(e) {
	case exchange.ExpireRetransmit:
		a.metrics.inc(retransmissions)
		a.debugf("retransmitting mid %d to %v (attempt %d)", e.MessageID, e.Addr, e.SendCount)
		if err := a.write(e.Datagram, e.Addr, message.Confirmable); err != nil {
			a.warnf("retransmission of mid %d failed: %v", e.MessageID, err)
		}
	case exchange.ExpireTimedOut:
		a.metrics.inc(timeouts)
		a.debugf("mid %d to %v timed out after %d transmissions", e.MessageID, e.Addr, e.SendCount)
		onTimeout(e)
	}
}

// receive is the inbound pipeline entry point.
//
// Flow:
//  1. Decode; a malformed CON is answered with RST, anything else dropped
//  2. ACK and RST go to the retransmit table and tracker
//  3. CON and NON pass the dedup cache, then go to the request or
//     response path
func (a *Agent) receive(sock *socket, rm *transport.ReceivedMessage) {
	if sock != a.sock {
		return
	}

	msg, err := a.codec.Decode(rm.Data)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.warnf("dropping malformed datagram from %v: %v", rm.Addr, err)
		if typ, mid, ok := message.PeekHeader(rm.Data); ok && typ == message.Confirmable {
			a.reply(message.Reset, mid, rm.Addr)
		}
		return
	}
	a.metrics.received(msg.Type)
	a.debugf("received %s from %v", msg, rm.Addr)

	switch msg.Type {
	case message.Acknowledgement:
		a.onAck(msg, rm.Addr)
	case message.Reset:
		a.onReset(msg, rm.Addr)
	default:
		a.onMessage(msg, rm.Addr)
	}
}

func (a *Agent) onMessage(msg *message.Message, from net.Addr) {
	if msg.IsEmpty() {
		// A CON ping is answered with RST.
		if msg.Type == message.Confirmable {
			a.reply(message.Reset, msg.MessageID, from)
		}
		return
	}

	endpoint := transport.EndpointKey(from)
	if !a.dedup.ShouldDeliver(endpoint, msg.MessageID, time.Now()) {
		a.metrics.inc(duplicates)
		if reply, ok := a.dedup.Reply(endpoint, msg.MessageID); ok {
			typ, _, _ := message.PeekHeader(reply)
			_ = a.write(reply, from, typ)
		}
		return
	}

	switch {
	case msg.IsRequest():
		a.onRequest(msg, from)
	case msg.IsResponse():
		a.onResponse(msg, from)
	default:
		a.metrics.inc(protocolErrors)
		a.warnf("dropping %s with reserved code from %v", msg, from)
		if msg.Type == message.Confirmable {
			a.reply(message.Reset, msg.MessageID, from)
		}
	}
}

func (a *Agent) onAck(msg *message.Message, from net.Addr) {
	entry := a.retransmit.Ack(from, msg.MessageID)
	if entry == nil {
		// Duplicate, late, or for a message never sent as CON.
		a.metrics.inc(stray)
		a.debugf("%v: ACK mid %d from %v", exchange.ErrStrayMessage, msg.MessageID, from)
		return
	}

	ex := a.tracker.MatchAck(from, msg.MessageID)
	if ex == nil {
		// ACK of a confirmable notification.
		return
	}
	ce := a.clients[ex]
	if ce == nil {
		return
	}
	ce.retrans = nil
	ex.Transmit = exchange.TransmitAcknowledged

	if msg.IsEmpty() {
		// The response follows as a separate message.
		return
	}
	if !msg.IsResponse() {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, exchange.NewProtocolError("ACK carries code %s", msg.Code))
		return
	}
	a.clientResponse(ce, msg, from)
}

func (a *Agent) onReset(msg *message.Message, from net.Addr) {
	a.metrics.inc(resets)
	entry := a.retransmit.Reset(from, msg.MessageID)

	if ex := a.tracker.MatchAck(from, msg.MessageID); ex != nil {
		if ce := a.clients[ex]; ce != nil {
			if ce.sub != nil {
				// The server refused the registration.
				a.subs.Reset(ex.Token, from)
			}
			a.finishClient(ce, nil, exchange.ErrReset)
			return
		}
	}
	if o := a.observers.RemoveByMessageID(from, msg.MessageID); o != nil {
		a.debugf("observer %s of %s at %v reset", o.Token, o.Path, from)
		return
	}
	if entry == nil {
		a.metrics.inc(stray)
		a.debugf("%v: RST mid %d from %v", exchange.ErrStrayMessage, msg.MessageID, from)
	}
}

func (a *Agent) debugf(format string, args ...any) {
	if a.log != nil {
		a.log.Debugf(format, args...)
	}
}

func (a *Agent) warnf(format string, args ...any) {
	if a.log != nil {
		a.log.Warnf(format, args...)
	}
}
