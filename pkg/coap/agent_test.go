package coap

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestGetPiggybacked sends CON GET /hello with token 0x01 and expects the
// 2.05 "ok" response piggybacked on the ACK.
func TestGetPiggybacked(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, respondWith(message.Content, "ok")},
	})
	ctx := testContext(t)

	req := message.NewRequest(message.Confirmable, message.GET, "/hello")
	req.Token = message.Token{0x01}

	h, err := pair.Agent(0).Send(ctx, req, pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h.Kind() != KindPlain {
		t.Errorf("Kind() = %v, want Plain", h.Kind())
	}

	resp, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	m := resp.Message
	if m.Type != message.Acknowledgement {
		t.Errorf("Type = %v, want ACK", m.Type)
	}
	if m.Code != message.Content || string(m.Payload) != "ok" {
		t.Errorf("response = %s %q", m.Code, m.Payload)
	}
	if !m.Token.Equal(message.Token{0x01}) {
		t.Errorf("Token = %s, want 01", m.Token)
	}
}

// TestPostTimesOut sends CON POST into a dead network with 0.1s/1.0/2 and
// expects a timeout after about 0.3s with at most two retransmissions.
func TestPostTimesOut(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{})
	pair.Pipe().SetCondition(transport.NetworkCondition{DropRate: 1.0})
	ctx := testContext(t)

	start := time.Now()
	_, err := pair.Agent(0).Post(ctx, pair.PeerAddr(0), "/sink", message.TextPlain, []byte("data"))
	elapsed := time.Since(start)

	if !errors.Is(err, exchange.ErrTimeout) {
		t.Fatalf("Post() error = %v, want ErrTimeout", err)
	}
	var te *exchange.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not a *TimeoutError", err)
	}
	if te.Retransmissions > 2 {
		t.Errorf("Retransmissions = %d, want <= 2", te.Retransmissions)
	}
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timed out after %v, want about 300ms", elapsed)
	}
	if n := pair.Agent(0).Stats().PendingRetransmits; n != 0 {
		t.Errorf("PendingRetransmits = %d after timeout", n)
	}
}

// TestRetransmissionRecovers drops the first transmission and expects the
// retransmission to complete the exchange.
func TestRetransmissionRecovers(t *testing.T) {
	var calls atomic.Int32
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) {
			calls.Add(1)
			_ = w.Respond(&message.Message{Code: message.Changed})
		})},
	})
	ctx := testContext(t)

	pair.Pipe().SetCondition(transport.NetworkCondition{DropRate: 1.0})
	h, err := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.PUT, "/x"), pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	pair.Pipe().SetCondition(transport.NetworkCondition{})

	resp, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if resp.Message.Code != message.Changed {
		t.Errorf("Code = %s, want 2.04", resp.Message.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

// TestSeparateResponse lets the handler miss the piggyback window: the
// server sends an empty ACK and then the response as NON.
func TestSeparateResponse(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) {
			time.Sleep(150 * time.Millisecond)
			_ = w.Respond(&message.Message{Code: message.Content, Payload: []byte("late")})
		})},
	})
	ctx := testContext(t)

	resp, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/slow")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.Message.Type != message.NonConfirmable {
		t.Errorf("Type = %v, want NON separate response", resp.Message.Type)
	}
	if string(resp.Message.Payload) != "late" {
		t.Errorf("Payload = %q", resp.Message.Payload)
	}
}

// TestDuplicatesDeliveredOnce duplicates every datagram and expects each
// request to reach the handler exactly once.
func TestDuplicatesDeliveredOnce(t *testing.T) {
	var calls atomic.Int32
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) {
			calls.Add(1)
			_ = w.Respond(&message.Message{Code: message.Content, Payload: r.Message.Payload})
		})},
	})
	pair.Pipe().SetCondition(transport.NetworkCondition{DuplicateRate: 1.0})
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		req := message.NewRequest(message.Confirmable, message.POST, "/echo")
		req.Payload = []byte{byte(i)}
		h, err := pair.Agent(0).Send(ctx, req, pair.PeerAddr(0))
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 5 {
		t.Errorf("handler ran %d times for 5 requests", calls.Load())
	}
}

func TestNoHandlerNotFound(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{})
	ctx := testContext(t)

	resp, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if resp.Message.Code != message.NotFound {
		t.Errorf("Code = %s, want 4.04", resp.Message.Code)
	}
}

func TestNonConfirmableRequest(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, respondWith(message.Content, "non")},
	})
	ctx := testContext(t)

	h, err := pair.Agent(0).Send(ctx, message.NewRequest(message.NonConfirmable, message.GET, "/n"), pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	resp, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if resp.Message.Type != message.NonConfirmable || string(resp.Message.Payload) != "non" {
		t.Errorf("response = %s %q", resp.Message, resp.Message.Payload)
	}
}

func TestResetFailsExchange(t *testing.T) {
	agent, peer, addr := newRawPair(t, nil)
	ctx := testContext(t)

	h, err := agent.Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/r"), addr)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	req := peer.read(message.Confirmable)
	peer.write(message.NewEmpty(message.Reset, req.MessageID))

	if _, err := h.Wait(ctx); !errors.Is(err, exchange.ErrReset) {
		t.Errorf("Wait() error = %v, want ErrReset", err)
	}
}

// TestEmptyAckThenSeparateCon checks the client side of a separate
// response: the CON response is acknowledged and completes the exchange.
func TestEmptyAckThenSeparateCon(t *testing.T) {
	agent, peer, addr := newRawPair(t, nil)
	ctx := testContext(t)

	h, err := agent.Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/s"), addr)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	req := peer.read(message.Confirmable)
	peer.write(message.NewEmpty(message.Acknowledgement, req.MessageID))

	// No retransmission after the empty ACK.
	peer.expectSilence(250*time.Millisecond, message.Confirmable)

	peer.write(&message.Message{
		Type:      message.Confirmable,
		Code:      message.Content,
		MessageID: 0x7000,
		Token:     req.Token,
		Payload:   []byte("separate"),
	})
	ack := peer.read(message.Acknowledgement)
	if ack.MessageID != 0x7000 || !ack.IsEmpty() {
		t.Errorf("ack = %s, want empty ACK for 0x7000", ack)
	}

	resp, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(resp.Message.Payload) != "separate" {
		t.Errorf("Payload = %q", resp.Message.Payload)
	}
}

func TestStrayConfirmableGetsReset(t *testing.T) {
	agent, peer, addr := newRawPair(t, func(c *AgentConfig) { c.KeepOpen = true })
	ctx := testContext(t)

	// Open the socket with one completed exchange.
	h, _ := agent.Send(ctx, message.NewRequest(message.NonConfirmable, message.GET, "/open"), addr)
	req := peer.read(message.NonConfirmable)
	peer.write(&message.Message{Type: message.NonConfirmable, Code: message.Content, MessageID: 1, Token: req.Token})
	if _, err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	peer.write(&message.Message{
		Type:      message.Confirmable,
		Code:      message.Content,
		MessageID: 0x4242,
		Token:     message.Token{0xDE, 0xAD},
	})
	rst := peer.read(message.Reset)
	if rst.MessageID != 0x4242 {
		t.Errorf("RST MessageID = %#x, want 0x4242", rst.MessageID)
	}
}

func TestMalformedConfirmableGetsReset(t *testing.T) {
	agent, peer, _ := newRawPair(t, func(c *AgentConfig) { c.KeepOpen = true })
	if _, err := agent.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	// Version 1, CON, token length 9.
	peer.writeRaw([]byte{0x49, 0x01, 0x12, 0x34})

	rst := peer.read(message.Reset)
	if rst.MessageID != 0x1234 {
		t.Errorf("RST MessageID = %#x, want 0x1234", rst.MessageID)
	}
}

func TestPingGetsReset(t *testing.T) {
	agent, peer, _ := newRawPair(t, nil)
	if _, err := agent.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	peer.write(message.NewEmpty(message.Confirmable, 0x0101))
	if rst := peer.read(message.Reset); rst.MessageID != 0x0101 {
		t.Errorf("RST MessageID = %#x, want 0x0101", rst.MessageID)
	}
}

// TestDuplicateRequestGetsCachedReply re-sends a CON request after its
// piggybacked response and expects the same response without a second
// handler call.
func TestDuplicateRequestGetsCachedReply(t *testing.T) {
	var calls atomic.Int32
	agent, peer, _ := newRawPair(t, func(c *AgentConfig) {
		c.Handler = HandlerFunc(func(w ResponseWriter, r *Request) {
			calls.Add(1)
			_ = w.Respond(&message.Message{Code: message.Content, Payload: []byte("once")})
		})
	})
	if _, err := agent.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	req := message.NewRequest(message.Confirmable, message.GET, "/d")
	req.MessageID = 0x2222
	req.Token = message.Token{0x0D}

	peer.write(req)
	first := peer.read(message.Acknowledgement)
	peer.write(req)
	second := peer.read(message.Acknowledgement)

	if string(first.Payload) != "once" || string(second.Payload) != "once" {
		t.Errorf("payloads = %q, %q", first.Payload, second.Payload)
	}
	if second.MessageID != 0x2222 {
		t.Errorf("cached reply MessageID = %#x", second.MessageID)
	}
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", calls.Load())
	}
}

func TestSendValidation(t *testing.T) {
	agent, err := NewAgent(AgentConfig{Factory: failingFactory{}})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer agent.Close()
	ctx := testContext(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

	if _, err := agent.Send(ctx, nil, addr); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil request error = %v", err)
	}
	if _, err := agent.Send(ctx, &message.Message{Code: message.Content}, addr); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("response as request error = %v", err)
	}
	if _, err := agent.Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/"), nil); !errors.Is(err, transport.ErrInvalidAddress) {
		t.Errorf("nil address error = %v", err)
	}
	if _, err := agent.Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/"), addr); !errors.Is(err, exchange.ErrTransport) {
		t.Errorf("socket failure error = %v, want ErrTransport", err)
	}
}

func TestNewAgentRejectsInvalidParams(t *testing.T) {
	p := TestParams()
	p.BlockSize = 100
	if _, err := NewAgent(AgentConfig{Params: p}); !errors.Is(err, exchange.ErrInvalidParams) {
		t.Errorf("NewAgent() error = %v, want ErrInvalidParams", err)
	}
}

// TestNewAgentPartialParams sets a single field and expects every other
// field, the retransmission bound and NON acknowledgements included, to
// keep its default.
func TestNewAgentPartialParams(t *testing.T) {
	tests := []struct {
		name   string
		params exchange.Params
		want   exchange.Params
	}{
		{"zero", exchange.Params{}, exchange.DefaultParams()},
		{
			"ack timeout only",
			exchange.Params{AckTimeout: 500 * time.Millisecond},
			func() exchange.Params {
				p := exchange.DefaultParams()
				p.AckTimeout = 500 * time.Millisecond
				p.ProcessingDelay = 500 * time.Millisecond
				return p
			}(),
		},
		{
			"retransmit disabled",
			exchange.Params{MaxRetransmit: exchange.NoRetransmit},
			func() exchange.Params {
				p := exchange.DefaultParams()
				p.MaxRetransmit = exchange.NoRetransmit
				return p
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, err := NewAgent(AgentConfig{Params: tt.params})
			if err != nil {
				t.Fatalf("NewAgent() error = %v", err)
			}
			defer agent.Close()

			got := agent.Params()
			if got != tt.want {
				t.Errorf("Params() = %+v, want %+v", got, tt.want)
			}
			if got.SkipAcksForNonConfirmable {
				t.Error("NON responses would not be acknowledged")
			}
		})
	}
}

// TestSocketFailureFailsExchanges kills the read loop while a request is
// pending.
func TestSocketFailureFailsExchanges(t *testing.T) {
	f0, _ := transport.NewPipeFactoryPair()
	broken := &breakableFactory{inner: f0, fail: make(chan struct{})}
	agent, err := NewAgent(AgentConfig{Params: TestParams(), Factory: broken})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer agent.Close()
	ctx := testContext(t)

	h, err := agent.Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/x"), f0.PeerAddr())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	close(broken.fail)

	if _, err := h.Wait(ctx); !errors.Is(err, exchange.ErrTransport) {
		t.Errorf("Wait() error = %v, want ErrTransport", err)
	}
	eventually(t, "socket close", func() bool { return !agent.Stats().SocketOpen })
}

func TestCloseFailsPending(t *testing.T) {
	release := make(chan struct{})
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) {
			<-release
		})},
	})
	defer close(release)
	ctx := testContext(t)

	h, err := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/block"), pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	pair.Agent(0).Close()

	if _, err := h.Wait(ctx); !errors.Is(err, ErrAgentClosed) {
		t.Errorf("Wait() error = %v, want ErrAgentClosed", err)
	}
	if _, err := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/"), pair.PeerAddr(0)); !errors.Is(err, ErrAgentClosed) {
		t.Errorf("Send() after Close error = %v, want ErrAgentClosed", err)
	}
}

func TestShutdownWaitsForExchanges(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) {
			time.Sleep(80 * time.Millisecond)
			_ = w.Respond(&message.Message{Code: message.Content})
		})},
	})
	ctx := testContext(t)

	h, err := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/slow"), pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := pair.Agent(0).Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case <-h.Done():
	default:
		t.Fatal("Shutdown returned before the exchange finished")
	}
	if _, err := h.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v, want the response", err)
	}
}

func TestShutdownDeadline(t *testing.T) {
	release := make(chan struct{})
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) { <-release })},
	})
	defer close(release)
	ctx := testContext(t)

	h, _ := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/stuck"), pair.PeerAddr(0))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if err := pair.Agent(0).Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v, want DeadlineExceeded", err)
	}
	if _, err := h.Wait(ctx); !errors.Is(err, ErrAgentClosed) {
		t.Errorf("Wait() error = %v, want ErrAgentClosed", err)
	}
}

func TestSocketReleasedWhenIdle(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, respondWith(message.Content, "ok")},
		Configure: func(idx int, c *AgentConfig) {
			c.KeepOpen = false
		},
	})
	ctx := testContext(t)

	if _, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if pair.Agent(0).Stats().SocketOpen {
		t.Error("client socket should close once no exchange is active")
	}
	if !pair.Agent(1).Stats().SocketOpen {
		t.Error("listening socket must stay open")
	}

	// Reopened on demand.
	if _, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/b"); err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
}

func TestKeepOpen(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers:  [2]Handler{nil, respondWith(message.Content, "ok")},
		Configure: func(idx int, c *AgentConfig) { c.KeepOpen = idx == 0 },
	})
	ctx := testContext(t)

	if _, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !pair.Agent(0).Stats().SocketOpen {
		t.Error("KeepOpen socket should stay open")
	}
}

func TestCancel(t *testing.T) {
	release := make(chan struct{})
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, HandlerFunc(func(w ResponseWriter, r *Request) { <-release })},
	})
	defer close(release)
	ctx := testContext(t)

	h, err := pair.Agent(0).Send(ctx, message.NewRequest(message.Confirmable, message.GET, "/c"), pair.PeerAddr(0))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	h.Cancel()

	if _, err := h.Wait(ctx); !errors.Is(err, ErrCanceled) {
		t.Errorf("Wait() error = %v, want ErrCanceled", err)
	}
	eventually(t, "exchange removal", func() bool { return pair.Agent(0).Stats().Exchanges == 0 })
}

func TestSetParamsAppliesToNewExchanges(t *testing.T) {
	pair := newTestPair(t, TestAgentPairConfig{})
	pair.Pipe().SetCondition(transport.NetworkCondition{DropRate: 1.0})
	ctx := testContext(t)

	p := TestParams()
	p.MaxRetransmit = exchange.NoRetransmit
	if err := pair.Agent(0).SetParams(p); err != nil {
		t.Fatalf("SetParams() error = %v", err)
	}
	if got := pair.Agent(0).Params().MaxRetransmit; got != exchange.NoRetransmit {
		t.Errorf("Params().MaxRetransmit = %d", got)
	}

	start := time.Now()
	_, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/x")
	var te *exchange.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Get() error = %v, want timeout", err)
	}
	if te.Retransmissions != 0 {
		t.Errorf("Retransmissions = %d, want 0", te.Retransmissions)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}

	p.BlockSize = 3
	if err := pair.Agent(0).SetParams(p); !errors.Is(err, exchange.ErrInvalidParams) {
		t.Errorf("SetParams(invalid) error = %v", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	pair := newTestPair(t, TestAgentPairConfig{
		Handlers: [2]Handler{nil, respondWith(message.Content, "ok")},
		Configure: func(idx int, c *AgentConfig) {
			c.Registerer = reg
		},
	})
	ctx := testContext(t)

	if _, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/m"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Both agents share the registry under distinct agent labels.
	if got := testutil.ToFloat64(pair.Agent(0).metrics.MessagesSent.WithLabelValues("CON")); got != 1 {
		t.Errorf("client CON sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pair.Agent(1).metrics.MessagesSent.WithLabelValues("ACK")); got != 1 {
		t.Errorf("server ACK sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pair.Agent(1).metrics.MessagesReceived.WithLabelValues("CON")); got != 1 {
		t.Errorf("server CON received = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "coap_messages_sent_total"); err != nil || n < 2 {
		t.Errorf("GatherAndCount() = %d, %v", n, err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.sent(message.Confirmable)
	m.received(message.Reset)
	m.inc(timeouts)
	m.block("in")
	m.setActive(3)
	if NewMetrics(nil, "x") != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
}

// TestUDPLoopback runs a GET over real loopback sockets.
func TestUDPLoopback(t *testing.T) {
	server, err := NewAgent(AgentConfig{
		Params:  TestParams(),
		Factory: transport.NetFactory{Host: "127.0.0.1"},
		Handler: respondWith(message.Content, "loopback"),
	})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer server.Close()
	addr, err := server.Listen()
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	client, err := NewAgent(AgentConfig{
		Params:  TestParams(),
		Factory: transport.NetFactory{Host: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer client.Close()

	resp, err := client.Get(testContext(t), addr, "/hello")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(resp.Message.Payload) != "loopback" {
		t.Errorf("Payload = %q", resp.Message.Payload)
	}
}

// failingFactory never produces a socket.
type failingFactory struct{}

func (failingFactory) CreateUDPConn(int) (net.PacketConn, error) {
	return nil, errors.New("no network")
}

// breakableFactory wraps conns whose reads fail once fail is closed.
type breakableFactory struct {
	inner transport.Factory
	fail  chan struct{}
}

func (f *breakableFactory) CreateUDPConn(port int) (net.PacketConn, error) {
	conn, err := f.inner.CreateUDPConn(port)
	if err != nil {
		return nil, err
	}
	return &breakableConn{PacketConn: conn, fail: f.fail}, nil
}

type breakableConn struct {
	net.PacketConn
	fail chan struct{}
}

func (c *breakableConn) ReadFrom(b []byte) (int, net.Addr, error) {
	<-c.fail
	return 0, nil, errors.New("interface went away")
}
