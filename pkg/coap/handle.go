package coap

import (
	"context"
	"net"
	"sync"

	"github.com/backkem/coap/pkg/message"
)

// Kind is the shape of an exchange, chosen from the request's intent.
type Kind int

const (
	// KindPlain is one request answered by one response.
	KindPlain Kind = iota

	// KindObserve is an observe registration: one request, a stream of
	// notifications.
	KindObserve

	// KindMulticast is a request to a group address: responses from every
	// member are collected for the multicast window.
	KindMulticast
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "Plain"
	case KindObserve:
		return "Observe"
	case KindMulticast:
		return "Multicast"
	default:
		return "Unknown"
	}
}

// Response is a response delivered to a client exchange.
type Response struct {
	// Message is the response. For blockwise transfers the payload is the
	// reassembled representation and the Block2 option is removed.
	Message *message.Message

	// From is the responder.
	From net.Addr
}

// Notification is one element of an observe or multicast stream.
type Notification struct {
	// Seq is the observe sequence number (zero for multicast responses).
	Seq uint32

	// Message is the notification or response.
	Message *message.Message

	// From is the sender.
	From net.Addr
}

// Exchange is the caller's handle on an outbound request.
//
// Wait yields the terminal result. For KindObserve the result is the
// registration response (the first notification) and the stream keeps
// running; for KindMulticast Wait returns the first response once the
// collection window closed, or ErrNoResponse.
type Exchange struct {
	agent *Agent
	kind  Kind
	token message.Token
	addr  net.Addr

	stream *Stream

	done     chan struct{}
	doneOnce sync.Once
	resp     *Response
	err      error
}

func newExchangeHandle(a *Agent, kind Kind, token message.Token, addr net.Addr) *Exchange {
	h := &Exchange{
		agent: a,
		kind:  kind,
		token: token,
		addr:  addr,
		done:  make(chan struct{}),
	}
	if kind != KindPlain {
		h.stream = newStream(h)
	}
	return h
}

// Kind returns the exchange kind.
func (e *Exchange) Kind() Kind {
	return e.kind
}

// Token returns the request token.
func (e *Exchange) Token() message.Token {
	return e.token
}

// Addr returns the destination of the request.
func (e *Exchange) Addr() net.Addr {
	return e.addr
}

// Done is closed once Wait would return without blocking.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the exchange produced its result or ctx is done.
func (e *Exchange) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-e.done:
		return e.resp, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stream returns the notification stream of observe and multicast
// exchanges, nil for KindPlain.
func (e *Exchange) Stream() *Stream {
	return e.stream
}

// Cancel abandons the exchange locally. Pending retransmissions stop and
// Wait returns ErrCanceled unless a result was already available. Canceling
// an observe exchange is the same as closing its stream.
func (e *Exchange) Cancel() {
	e.agent.post(func() { e.agent.cancelClient(e, ErrCanceled) })
}

// setResult records the result once.
func (e *Exchange) setResult(resp *Response, err error) {
	e.doneOnce.Do(func() {
		e.resp = resp
		e.err = err
		close(e.done)
	})
}

// Stream is an unbounded, ordered queue of notifications.
// Pushing never blocks the Agent loop.
type Stream struct {
	owner *Exchange

	mu     sync.Mutex
	queue  []Notification
	ended  bool
	err    error
	signal chan struct{}
}

func newStream(owner *Exchange) *Stream {
	return &Stream{owner: owner, signal: make(chan struct{}, 1)}
}

// Next returns the next notification. After the stream ended and the queue
// drained it returns the terminal error, or ErrStreamClosed for a clean end.
func (s *Stream) Next(ctx context.Context) (Notification, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			n := s.queue[0]
			s.queue[0] = Notification{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return n, nil
		}
		if s.ended {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrStreamClosed
			}
			return Notification{}, err
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return Notification{}, ctx.Err()
		}
	}
}

// Close ends the subscription. For observe exchanges the latest
// notification is answered with a reset so the server drops the observer.
// Before the first notification there is nothing to reset; the server then
// drops the observer once its next notification is refused or goes
// unacknowledged.
func (s *Stream) Close() error {
	s.owner.Cancel()
	return nil
}

// Len returns the number of queued notifications.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Stream) push(n Notification) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
