package coap

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Handler responds to an inbound request.
//
// ServeCoAP runs on its own goroutine. It should call Respond before
// returning; a handler that returns without responding has its request
// acknowledged with an empty ACK and nothing else. Notify and Close stay
// usable after return for as long as the client observes.
type Handler interface {
	ServeCoAP(w ResponseWriter, r *Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w ResponseWriter, r *Request)

// ServeCoAP calls f(w, r).
func (f HandlerFunc) ServeCoAP(w ResponseWriter, r *Request) {
	f(w, r)
}

// Request is an inbound request as seen by a Handler. Blockwise request
// bodies are already reassembled.
type Request struct {
	// Message is the request.
	Message *message.Message

	// From is the client.
	From net.Addr

	// Observe is set for an accepted observe registration. The handler's
	// 2.xx response becomes the first notification.
	Observe bool

	ctx context.Context
}

// Context returns a context canceled when the Agent closes.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Path returns the request path.
func (r *Request) Path() string {
	return r.Message.Path()
}

// ResponseWriter answers one request.
type ResponseWriter interface {
	// Respond sends the response. It is piggybacked on the ACK if the
	// piggyback window is still open, otherwise sent as a separate NON
	// message. Payloads larger than the block size go out with Block2.
	Respond(resp *message.Message) error

	// Notify sends a notification to the observing client. The Observe
	// option is set by the Agent; the message type is taken as given
	// (CON or NON). A non-2.xx code ends the observation.
	Notify(msg *message.Message) error

	// Close ends the observation with a final 4.04 notification, as for a
	// removed resource.
	Close() error

	// Observing reports whether the client is still registered.
	Observing() bool
}

// serverExchange is the loop-side state of an inbound request.
type serverExchange struct {
	req      *message.Message
	from     net.Addr
	endpoint string
	params   exchange.Params

	// block1 is echoed on the final response of a Block1 upload.
	block1 *message.BlockValue
	// block2 is the block the client asked for.
	block2 *message.BlockValue

	observer  *exchange.Observer
	responded bool
	released  bool
}

// blockCursor serves the remaining blocks of a large response.
type blockCursor struct {
	splitter *exchange.Splitter
	head     *message.Message
}

// onRequest is the inbound request path.
//
// Flow:
//  1. Block2 follow-ups are answered from the cursor cache
//  2. Block1 uploads are reassembled; each non-final block gets 2.31
//  3. Observe registrations are recorded
//  4. The handler runs; for CON the piggyback window opens
func (a *Agent) onRequest(msg *message.Message, from net.Addr) {
	sx := &serverExchange{
		req:      msg,
		from:     from,
		endpoint: transport.EndpointKey(from),
		params:   a.params,
	}

	if a.draining {
		a.replyDirect(sx, message.ServiceUnavailable, nil)
		return
	}

	b2, ok, err := msg.Block(message.Block2)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.replyDirect(sx, message.BadOption, nil)
		return
	}
	if ok {
		sx.block2 = &b2
		if b2.Num > 0 {
			key := exchange.TransferKey(sx.endpoint, msg)
			if cur, ok := a.block2Out.Get(key, time.Now()); ok {
				a.serveBlock2(sx, key, cur)
				return
			}
		}
	}

	b1, ok, err := msg.Block(message.Block1)
	if err != nil {
		a.metrics.inc(protocolErrors)
		a.replyDirect(sx, message.BadOption, nil)
		return
	}
	if ok {
		full, done := a.collectBlock1(sx, b1)
		if !done {
			return
		}
		sx.req = full
	}

	handler := a.handler
	if handler == nil {
		a.replyDirect(sx, message.NotFound, nil)
		return
	}

	if seq, ok := sx.req.ObserveValue(); ok && (sx.req.Code == message.GET || sx.req.Code == message.FETCH) {
		switch seq {
		case 0:
			sx.observer = a.observers.Register(sx.req.Token, from, sx.req.Path())
		case 1:
			a.observers.Remove(sx.req.Token, from)
		}
	}

	if msg.Type == message.Confirmable {
		a.acks.Add(from, msg.MessageID, msg.Token, sx.params.PiggybackDelay, func(e *exchange.AckEntry) {
			a.post(func() { a.piggybackExpired(e) })
		})
	}

	a.servers[sx] = struct{}{}
	a.acquire()

	req := &Request{
		Message: sx.req.Clone(),
		From:    from,
		Observe: sx.observer != nil,
		ctx:     a.ctx,
	}
	w := &responseWriter{agent: a, sx: sx}
	go func() {
		handler.ServeCoAP(w, req)
		a.post(func() { a.handlerReturned(sx) })
	}()
}

// collectBlock1 feeds one request block into its upload. It returns the
// reassembled request once the final block arrived.
func (a *Agent) collectBlock1(sx *serverExchange, b message.BlockValue) (*message.Message, bool) {
	key := exchange.TransferKey(sx.endpoint, sx.req)
	now := time.Now()

	r, ok := a.block1In.Get(key, now)
	if b.Num == 0 {
		r = exchange.NewReassembler(a.config.MaxBodySize)
		a.block1In.Put(key, r, now)
		ok = true
	}
	if !ok {
		a.replyDirect(sx, message.RequestEntityIncomplete, nil)
		return nil, false
	}

	done, err := r.Add(b, sx.req.Payload)
	if err != nil {
		a.block1In.Delete(key)
		a.metrics.inc(protocolErrors)
		a.debugf("block1 upload from %v failed: %v", sx.from, err)
		if errors.Is(err, exchange.ErrEntityTooLarge) {
			a.replyDirect(sx, message.RequestEntityTooLarge, func(m *message.Message) {
				m.SetUint(message.Size1, uint32(a.config.MaxBodySize))
			})
			return nil, false
		}
		a.replyDirect(sx, message.RequestEntityIncomplete, nil)
		return nil, false
	}
	a.metrics.block("in")

	// Ask for our block size if the client's is larger.
	szx := b.SZX
	if own := sx.params.BlockSZX(); own < szx {
		szx = own
	}
	if !done {
		a.replyDirect(sx, message.Continue, func(m *message.Message) {
			_ = m.SetBlock(message.Block1, message.BlockValue{Num: b.Num, More: true, SZX: szx})
		})
		return nil, false
	}

	a.block1In.Delete(key)
	full := sx.req.Clone()
	full.Payload = append([]byte(nil), r.Payload()...)
	full.RemoveOption(message.Block1)
	full.RemoveOption(message.Size1)
	sx.block1 = &message.BlockValue{Num: b.Num, SZX: b.SZX}
	return full, true
}

// serveBlock2 answers a Block2 follow-up from the cursor cache.
func (a *Agent) serveBlock2(sx *serverExchange, key string, cur *blockCursor) {
	b, chunk, err := cur.splitter.Block(sx.block2.Num, sx.block2.SZX)
	if err != nil {
		a.replyDirect(sx, message.BadOption, nil)
		return
	}
	if !b.More {
		a.block2Out.Delete(key)
	}

	resp := cur.head.Clone()
	resp.Payload = chunk
	_ = resp.SetBlock(message.Block2, b)
	resp.SetOption(message.ETag, cur.splitter.ETag())
	a.metrics.block("out")
	if err := a.sendResponse(sx, resp); err != nil {
		a.warnf("serving block %s to %v: %v", b, sx.from, err)
	}
}

// splitBlock2 cuts a large response down to the requested block and
// caches the rest for follow-ups. want is the client's Block2 request, or
// nil for the first block at our size.
func (a *Agent) splitBlock2(sx *serverExchange, want *message.BlockValue, resp *message.Message) error {
	size := sx.params.BlockSize
	num, szx := uint32(0), sx.params.BlockSZX()
	if want != nil {
		num = want.Num
		if want.SZX < szx {
			szx = want.SZX
			size = message.SZXToSize(szx)
		}
	}
	if num == 0 && !exchange.NeedsSplit(resp.Payload, size) {
		return nil
	}

	s := exchange.NewSplitter(resp.Payload, size)
	reqSZX := szx
	if want != nil {
		reqSZX = want.SZX
	}
	b, chunk, err := s.Block(num, reqSZX)
	if err != nil {
		return err
	}

	if b.More {
		head := resp.Clone()
		head.Payload = nil
		head.RemoveOption(message.Observe)
		head.RemoveOption(message.Block1)
		head.RemoveOption(message.Size2)
		head.Type, head.MessageID, head.Token = 0, 0, nil
		a.block2Out.Put(exchange.TransferKey(sx.endpoint, sx.req), &blockCursor{splitter: s, head: head}, time.Now())
	}

	resp.Payload = chunk
	_ = resp.SetBlock(message.Block2, b)
	resp.SetOption(message.ETag, s.ETag())
	if b.Num == 0 {
		resp.SetUint(message.Size2, uint32(s.Size()))
	}
	a.metrics.block("out")
	return nil
}

// sendResponse sends resp for sx: piggybacked while the ACK is still
// owed, otherwise as a separate NON message.
func (a *Agent) sendResponse(sx *serverExchange, resp *message.Message) error {
	req := sx.req
	resp.Token = req.Token

	if req.Type == message.Confirmable {
		if _, piggyback, ok := a.acks.Take(sx.from, req.MessageID); !ok || piggyback {
			resp.Type = message.Acknowledgement
			resp.MessageID = req.MessageID
			data, err := a.sendMessage(resp, sx.from)
			if data != nil {
				a.dedup.SetReply(sx.endpoint, req.MessageID, data)
			}
			return err
		}
	}

	resp.Type = message.NonConfirmable
	resp.MessageID = a.newMessageID(sx.from)
	_, err := a.sendMessage(resp, sx.from)
	return err
}

// replyDirect answers without involving the handler.
func (a *Agent) replyDirect(sx *serverExchange, code message.Code, mutate func(*message.Message)) {
	resp := &message.Message{Code: code}
	if mutate != nil {
		mutate(resp)
	}
	if err := a.sendResponse(sx, resp); err != nil {
		a.warnf("replying %s to %v: %v", code, sx.from, err)
	}
}

// respond handles ResponseWriter.Respond on the loop.
func (a *Agent) respond(sx *serverExchange, resp *message.Message) error {
	if sx.responded {
		return ErrAlreadyResponded
	}
	sx.responded = true
	defer a.finishServer(sx)

	if o := sx.observer; o != nil {
		if resp.Code.Class() == 2 {
			resp.SetObserve(o.NextSeq())
		} else {
			a.observers.Remove(o.Token, o.Addr)
			sx.observer = nil
			resp.RemoveOption(message.Observe)
		}
	}
	if sx.block1 != nil {
		_ = resp.SetBlock(message.Block1, *sx.block1)
	}
	if err := a.splitBlock2(sx, sx.block2, resp); err != nil {
		resp = &message.Message{Code: message.BadOption}
	}

	err := a.sendResponse(sx, resp)
	if sx.observer != nil {
		a.observers.SetMessageID(sx.observer, resp.MessageID)
	}
	return err
}

// notify handles ResponseWriter.Notify on the loop.
func (a *Agent) notify(sx *serverExchange, msg *message.Message) error {
	o := sx.observer
	if o == nil {
		return ErrNotObserving
	}
	if cur, ok := a.observers.Get(o.Token, o.Addr); !ok || cur != o {
		sx.observer = nil
		return ErrNotObserving
	}
	if a.sock == nil {
		return ErrNoSocket
	}

	n := msg.Clone()
	n.Token = o.Token
	if n.Type != message.Confirmable {
		n.Type = message.NonConfirmable
	}
	if n.Code == message.Empty {
		n.Code = message.Content
	}
	if n.Code.Class() == 2 {
		n.SetObserve(o.NextSeq())
		if err := a.splitBlock2(sx, nil, n); err != nil {
			return err
		}
	} else {
		// A final notification ends the observation.
		n.RemoveOption(message.Observe)
		a.observers.Remove(o.Token, o.Addr)
		sx.observer = nil
	}
	n.MessageID = a.newMessageID(o.Addr)

	data, err := a.codec.Encode(n)
	if err != nil {
		return err
	}
	if n.Type == message.Confirmable {
		// An unacknowledged notification means the client is gone.
		_, err := a.trackConfirmable(o.Addr, n.MessageID, n.Token, data, sx.params, func(*exchange.RetransmitEntry) {
			if a.observers.Remove(o.Token, o.Addr) != nil {
				a.debugf("observer %s at %v timed out", o.Token, o.Addr)
			}
		})
		if err != nil {
			return err
		}
	}
	if sx.observer != nil {
		a.observers.SetMessageID(o, n.MessageID)
	}
	a.debugf("notifying %v: %s", o.Addr, n)
	return a.write(data, o.Addr, n.Type)
}

// piggybackExpired sends the empty ACK once the handler missed the
// piggyback window.
func (a *Agent) piggybackExpired(e *exchange.AckEntry) {
	if !a.acks.Expire(e) {
		return
	}
	a.debugf("piggyback window closed for mid %d from %v", e.MessageID, e.Addr)
	a.reply(message.Acknowledgement, e.MessageID, e.Addr)
}

// handlerReturned settles a request whose handler returned without
// responding.
func (a *Agent) handlerReturned(sx *serverExchange) {
	if sx.responded {
		return
	}
	sx.responded = true
	if sx.req.Type == message.Confirmable {
		if _, piggyback, ok := a.acks.Take(sx.from, sx.req.MessageID); ok && piggyback {
			a.reply(message.Acknowledgement, sx.req.MessageID, sx.from)
		}
	}
	if o := sx.observer; o != nil {
		a.observers.Remove(o.Token, o.Addr)
		sx.observer = nil
	}
	a.finishServer(sx)
}

// finishServer releases the socket reference of a server exchange.
func (a *Agent) finishServer(sx *serverExchange) {
	if sx.released {
		return
	}
	sx.released = true
	delete(a.servers, sx)
	a.release()
}

// responseWriter posts every call to the Agent loop.
type responseWriter struct {
	agent *Agent
	sx    *serverExchange
}

func (w *responseWriter) Respond(resp *message.Message) error {
	if resp == nil {
		return ErrInvalidRequest
	}
	resp = resp.Clone()
	var err error
	if e := w.agent.do(context.Background(), func() {
		if w.agent.closed {
			err = ErrAgentClosed
			return
		}
		err = w.agent.respond(w.sx, resp)
	}); e != nil {
		return e
	}
	return err
}

func (w *responseWriter) Notify(msg *message.Message) error {
	if msg == nil {
		return ErrInvalidRequest
	}
	var err error
	if e := w.agent.do(context.Background(), func() {
		if w.agent.closed {
			err = ErrAgentClosed
			return
		}
		err = w.agent.notify(w.sx, msg)
	}); e != nil {
		return e
	}
	return err
}

func (w *responseWriter) Close() error {
	return w.Notify(&message.Message{Type: message.NonConfirmable, Code: message.NotFound})
}

func (w *responseWriter) Observing() bool {
	var ok bool
	_ = w.agent.do(context.Background(), func() {
		if o := w.sx.observer; o != nil {
			cur, found := w.agent.observers.Get(o.Token, o.Addr)
			ok = found && cur == o
		}
	})
	return ok
}
