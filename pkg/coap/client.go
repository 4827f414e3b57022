package coap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// clientExchange is the loop-side state of an outbound request.
type clientExchange struct {
	ex      *exchange.Exchange
	handle  *Exchange
	params  exchange.Params
	retrans *exchange.RetransmitEntry
	sub     *exchange.Subscription

	// Block1 upload progress.
	block1    *exchange.Splitter
	block1Num uint32
	block1SZX uint8

	// Block2 download progress.
	block2     *exchange.Reassembler
	block2Head *message.Message
	block2ETag []byte

	// first is the first multicast response.
	first *Response

	// Latest accepted notification, reset on Stream.Close.
	lastMID  uint16
	lastFrom net.Addr
	haveLast bool

	// timer is the multicast window or the notification Max-Age.
	timer    exchange.Timer
	timerGen int
}

// Send starts an exchange for req towards addr and returns without waiting
// for the response.
//
// The request is copied. A missing token is generated; the message ID is
// always assigned by the Agent. A request to a multicast address is sent
// NON and becomes a KindMulticast exchange; a GET or FETCH carrying
// Observe=0 becomes a KindObserve exchange. Bodies larger than the block
// size are sent with Block1.
func (a *Agent) Send(ctx context.Context, req *message.Message, addr net.Addr) (*Exchange, error) {
	if req == nil || !req.IsRequest() {
		return nil, ErrInvalidRequest
	}
	if addr == nil {
		return nil, transport.ErrInvalidAddress
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.Clone()

	var h *Exchange
	var err error
	if e := a.do(ctx, func() { h, err = a.startClient(req, addr) }); e != nil {
		return nil, e
	}
	return h, err
}

// Get sends a confirmable GET for path and waits for the response.
func (a *Agent) Get(ctx context.Context, addr net.Addr, path string) (*Response, error) {
	return a.roundTrip(ctx, message.NewRequest(message.Confirmable, message.GET, path), addr)
}

// Post sends a confirmable POST of body with the given Content-Format and
// waits for the response.
func (a *Agent) Post(ctx context.Context, addr net.Addr, path string, format uint32, body []byte) (*Response, error) {
	req := message.NewRequest(message.Confirmable, message.POST, path)
	req.SetContentFormat(format)
	req.Payload = body
	return a.roundTrip(ctx, req, addr)
}

// Observe registers for notifications of path. The first notification is
// the result of Wait; all of them are delivered on the Stream.
func (a *Agent) Observe(ctx context.Context, addr net.Addr, path string) (*Exchange, error) {
	req := message.NewRequest(message.Confirmable, message.GET, path)
	req.SetObserve(0)
	return a.Send(ctx, req, addr)
}

func (a *Agent) roundTrip(ctx context.Context, req *message.Message, addr net.Addr) (*Response, error) {
	h, err := a.Send(ctx, req, addr)
	if err != nil {
		return nil, err
	}
	resp, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		h.Cancel()
	}
	return resp, err
}

// startClient registers and transmits a new client exchange.
func (a *Agent) startClient(req *message.Message, addr net.Addr) (*Exchange, error) {
	if a.closed || a.draining {
		return nil, ErrAgentClosed
	}
	if req.Type != message.Confirmable && req.Type != message.NonConfirmable {
		return nil, ErrInvalidRequest
	}

	kind := KindPlain
	multicast := transport.IsMulticast(addr)
	if multicast {
		kind = KindMulticast
		req.Type = message.NonConfirmable
	} else if seq, ok := req.ObserveValue(); ok && seq == 0 && (req.Code == message.GET || req.Code == message.FETCH) {
		kind = KindObserve
	}

	if len(req.Token) == 0 {
		token, err := a.newToken()
		if err != nil {
			return nil, err
		}
		req.Token = token
	}

	if err := a.openSocket(0); err != nil {
		return nil, err
	}

	params := a.params
	req.MessageID = a.newMessageID(addr)
	ex := exchange.NewExchange(exchange.ExchangeConfig{
		Token:     req.Token,
		Addr:      addr,
		Role:      exchange.RoleClient,
		Request:   req,
		MessageID: req.MessageID,
		Multicast: multicast,
		Observe:   kind == KindObserve,
	})
	// Registered before transmission so an immediate response matches.
	if err := a.tracker.Register(ex); err != nil {
		a.closeIfIdle()
		return nil, err
	}

	ce := &clientExchange{
		ex:     ex,
		handle: newExchangeHandle(a, kind, req.Token, addr),
		params: params,
	}
	a.clients[ex] = ce
	a.handles[ce.handle] = ce
	a.acquire()

	if kind == KindObserve {
		ce.sub = a.subs.Subscribe(req.Token, addr)
	}

	wire := req
	if !multicast && exchange.NeedsSplit(req.Payload, params.BlockSize) {
		ce.block1 = exchange.NewSplitter(req.Payload, params.BlockSize)
		ce.block1SZX = ce.block1.SZX()
		b, chunk, _ := ce.block1.Block(0, ce.block1SZX)
		wire = req.Clone()
		wire.Payload = chunk
		_ = wire.SetBlock(message.Block1, b)
		wire.SetUint(message.Size1, uint32(len(req.Payload)))
		a.metrics.block("out")
	}

	if err := a.transmit(ce, wire); err != nil {
		a.finishClient(ce, nil, err)
		return nil, err
	}

	if multicast {
		ce.timer = a.timerFunc(params.MulticastTimeout, func() {
			a.post(func() { a.endMulticast(ce) })
		})
	}

	a.debugf("started %s exchange %s to %v", kind, req.Token, addr)
	return ce.handle, nil
}

// transmit sends m for ce, tracking it for retransmission if confirmable.
func (a *Agent) transmit(ce *clientExchange, m *message.Message) error {
	data, err := a.codec.Encode(m)
	if err != nil {
		return err
	}
	if m.Type == message.Confirmable {
		entry, err := a.trackConfirmable(ce.ex.Addr, m.MessageID, m.Token, data, ce.params, func(e *exchange.RetransmitEntry) {
			a.clientTimeout(ce, e)
		})
		if err != nil {
			return err
		}
		ce.retrans = entry
		ce.ex.Transmit = exchange.TransmitUnacked
	}
	a.debugf("sending %s to %v", m, ce.ex.Addr)
	return a.write(data, ce.ex.Addr, m.Type)
}

// sendFollowUp sends the next request of a blockwise transfer with the
// exchange token and a fresh message ID.
func (a *Agent) sendFollowUp(ce *clientExchange, m *message.Message) error {
	a.stopRetransmit(ce)
	m.Token = ce.ex.Token
	m.MessageID = a.newMessageID(ce.ex.Addr)
	a.tracker.SetMessageID(ce.ex, m.MessageID)
	return a.transmit(ce, m)
}

func (a *Agent) stopRetransmit(ce *clientExchange) {
	if ce.retrans != nil {
		a.retransmit.Remove(ce.ex.Addr, ce.retrans.MessageID)
		ce.retrans = nil
	}
}

func (a *Agent) clientTimeout(ce *clientExchange, e *exchange.RetransmitEntry) {
	if a.clients[ce.ex] != ce || ce.retrans != e {
		return
	}
	ce.retrans = nil
	ce.ex.Transmit = exchange.TransmitTimedOut
	a.finishClient(ce, nil, a.retransmit.TimeoutError(e))
}

// onResponse handles a response arriving in its own CON or NON message.
func (a *Agent) onResponse(msg *message.Message, from net.Addr) {
	var ce *clientExchange
	if ex := a.tracker.MatchResponse(msg.Token, from); ex != nil {
		ce = a.clients[ex]
	}
	if ce == nil {
		a.metrics.inc(stray)
		a.debugf("%v: response %s from %v", exchange.ErrStrayMessage, msg, from)
		// Unknown notifications are rejected so the server drops us.
		if msg.Type == message.Confirmable || msg.HasOption(message.Observe) {
			a.reply(message.Reset, msg.MessageID, from)
		}
		return
	}

	if msg.Type == message.Confirmable || !ce.params.SkipAcksForNonConfirmable {
		a.reply(message.Acknowledgement, msg.MessageID, from)
	}

	// A response implies the request arrived, even if its ACK was lost.
	if !ce.ex.Multicast && ce.retrans != nil {
		a.stopRetransmit(ce)
		ce.ex.Transmit = exchange.TransmitAcknowledged
	}

	a.clientResponse(ce, msg, from)
}

// clientResponse routes a matched response by exchange kind.
func (a *Agent) clientResponse(ce *clientExchange, msg *message.Message, from net.Addr) {
	if ce.ex.Multicast {
		resp := &Response{Message: msg, From: from}
		if ce.first == nil {
			ce.first = resp
		}
		ce.handle.stream.push(Notification{Message: msg, From: from})
		return
	}

	if ce.block1 != nil && a.continueBlock1(ce, msg) {
		return
	}

	if !a.config.DisableBlockFollowUp {
		full, done := a.collectBlock2(ce, msg)
		if !done {
			return
		}
		msg = full
	}

	if ce.handle.kind == KindObserve {
		a.observeResponse(ce, msg, from)
		return
	}
	a.finishClient(ce, &Response{Message: msg, From: from}, nil)
}

// continueBlock1 sends the next request block after a 2.31 Continue.
// It returns false when msg is the final response of the upload.
func (a *Agent) continueBlock1(ce *clientExchange, msg *message.Message) bool {
	if msg.Code != message.Continue {
		ce.block1 = nil
		return false
	}

	b, ok, err := msg.Block(message.Block1)
	if err != nil || !ok {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, exchange.NewProtocolError("2.31 Continue without a valid Block1 option"))
		return true
	}

	// The server may ask for smaller blocks; the offset stays the same.
	szx := ce.block1SZX
	if b.SZX < szx {
		szx = b.SZX
	}
	offset := int(ce.block1Num+1) * message.SZXToSize(ce.block1SZX)
	num := uint32(offset / message.SZXToSize(szx))

	blk, chunk, err := ce.block1.Block(num, szx)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, exchange.NewProtocolError("2.31 Continue after the last block: %v", err))
		return true
	}
	ce.block1Num, ce.block1SZX = num, szx

	next := ce.ex.Request.Clone()
	next.Payload = chunk
	_ = next.SetBlock(message.Block1, blk)
	next.RemoveOption(message.Size1)
	a.metrics.block("out")

	if err := a.sendFollowUp(ce, next); err != nil {
		a.finishClient(ce, nil, err)
	}
	return true
}

// collectBlock2 feeds a Block2 response into the download. It returns the
// full response and true when the representation is complete (or msg is
// not blockwise), false while more blocks are being fetched or after the
// exchange failed.
func (a *Agent) collectBlock2(ce *clientExchange, msg *message.Message) (*message.Message, bool) {
	b, ok, err := msg.Block(message.Block2)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, exchange.NewProtocolError("invalid Block2 option: %v", err))
		return nil, false
	}
	if !ok || msg.Code.Class() != 2 {
		ce.block2, ce.block2Head, ce.block2ETag = nil, nil, nil
		return msg, true
	}

	etag, _ := msg.Option(message.ETag)
	if ce.block2 == nil {
		if b.Num == 0 && !b.More {
			return msg, true
		}
		if b.Num != 0 {
			a.metrics.inc(protocolErrors)
			a.finishClient(ce, nil, exchange.NewProtocolError("transfer starts at block %d", b.Num))
			return nil, false
		}
		ce.block2 = exchange.NewReassembler(a.config.MaxBodySize)
		ce.block2Head = msg
		ce.block2ETag = etag
	} else if !bytes.Equal(etag, ce.block2ETag) {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, exchange.NewProtocolError("representation changed during transfer"))
		return nil, false
	}

	before := ce.block2.Len()
	done, err := ce.block2.Add(b, msg.Payload)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.finishClient(ce, nil, err)
		return nil, false
	}
	if !done {
		if ce.block2.Len() == before {
			// Duplicate block; the request for the next one is in flight.
			return nil, false
		}
		a.metrics.block("in")
		next := ce.ex.Request.Clone()
		next.RemoveOption(message.Observe)
		next.RemoveOption(message.Block1)
		next.RemoveOption(message.Size1)
		next.Payload = nil
		_ = next.SetBlock(message.Block2, message.BlockValue{Num: ce.block2.NextNum(), SZX: ce.block2.SZX()})
		if err := a.sendFollowUp(ce, next); err != nil {
			a.finishClient(ce, nil, err)
		}
		return nil, false
	}
	a.metrics.block("in")

	full := ce.block2Head.Clone()
	full.Payload = append([]byte(nil), ce.block2.Payload()...)
	full.RemoveOption(message.Block2)
	ce.block2, ce.block2Head, ce.block2ETag = nil, nil, nil
	return full, true
}

// observeResponse delivers a response of an observe exchange.
func (a *Agent) observeResponse(ce *clientExchange, msg *message.Message, from net.Addr) {
	seq, ok := msg.ObserveValue()
	if !ok {
		// Not observable (or no longer): this response is final.
		ce.handle.stream.push(Notification{Message: msg, From: from})
		a.finishClient(ce, &Response{Message: msg, From: from}, nil)
		return
	}

	if !a.subs.OnNotification(ce.ex.Token, from, seq, time.Now()) {
		a.metrics.inc(dropped)
		a.debugf("dropping stale notification %d for %s", seq, ce.ex.Token)
		return
	}
	a.metrics.inc(accepted)

	ce.lastMID, ce.lastFrom, ce.haveLast = msg.MessageID, from, true
	resp := &Response{Message: msg, From: from}
	ce.handle.setResult(resp, nil)
	ce.handle.stream.push(Notification{Seq: seq, Message: msg, From: from})
	a.armMaxAge(ce, msg)
}

// armMaxAge ends the subscription if no fresh notification arrives within
// Max-Age plus one ACK timeout.
func (a *Agent) armMaxAge(ce *clientExchange, msg *message.Message) {
	if ce.timer != nil {
		ce.timer.Stop()
		ce.timer = nil
	}
	maxAge, err := msg.Uint(message.MaxAge)
	if err != nil {
		maxAge = defaultMaxAge
	}
	if maxAge == 0 {
		return
	}

	ce.timerGen++
	gen := ce.timerGen
	d := time.Duration(maxAge)*time.Second + ce.params.AckTimeout
	ce.timer = a.timerFunc(d, func() {
		a.post(func() {
			if a.clients[ce.ex] == ce && ce.timerGen == gen {
				a.finishClient(ce, nil, ErrSubscriptionExpired)
			}
		})
	})
}

// endMulticast closes the collection window.
func (a *Agent) endMulticast(ce *clientExchange) {
	if a.clients[ce.ex] != ce {
		return
	}
	if ce.first == nil {
		a.finishClient(ce, nil, ErrNoResponse)
		return
	}
	a.finishClient(ce, ce.first, nil)
}

// cancelClient abandons the exchange behind h. An observe subscription is
// reset at the server through the latest notification's message ID.
func (a *Agent) cancelClient(h *Exchange, err error) {
	ce := a.handles[h]
	if ce == nil {
		return
	}
	// Without a notification there is no message ID to reset.
	if h.kind == KindObserve && ce.haveLast && a.sock != nil {
		if _, werr := a.sendMessage(message.NewEmpty(message.Reset, ce.lastMID), ce.lastFrom); werr != nil {
			a.warnf("resetting subscription %s: %v", h.token, werr)
		}
	}
	a.finishClient(ce, nil, err)
}

// finishClient moves a client exchange to its terminal state and releases
// everything it holds. Later calls for the same exchange are no-ops.
func (a *Agent) finishClient(ce *clientExchange, resp *Response, err error) {
	ex := ce.ex
	if a.clients[ex] != ce {
		return
	}
	delete(a.clients, ex)
	delete(a.handles, ce.handle)

	switch {
	case err == nil:
		ex.Complete()
	case errors.Is(err, ErrCanceled):
		ex.Cancel()
	default:
		ex.Fail(err)
		a.debugf("exchange %s to %v failed: %v", ex.Token, ex.Addr, err)
	}

	a.stopRetransmit(ce)
	if ce.timer != nil {
		ce.timer.Stop()
		ce.timer = nil
	}
	if ce.sub != nil {
		a.subs.Unsubscribe(ce.sub)
	}
	a.tracker.Remove(ex)

	ce.handle.setResult(resp, err)
	if s := ce.handle.stream; s != nil {
		streamErr := err
		if errors.Is(err, ErrCanceled) || errors.Is(err, ErrNoResponse) {
			streamErr = nil
		}
		s.finish(streamErr)
	}

	a.release()
}
