package coap

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestPair(t *testing.T, config TestAgentPairConfig) *TestAgentPair {
	t.Helper()
	pair, err := NewTestAgentPair(config)
	if err != nil {
		t.Fatalf("NewTestAgentPair() error = %v", err)
	}
	t.Cleanup(pair.Close)
	return pair
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func respondWith(code message.Code, payload string) HandlerFunc {
	return func(w ResponseWriter, r *Request) {
		_ = w.Respond(&message.Message{Code: code, Payload: []byte(payload)})
	}
}

// rawPeer drives one side of a pipe by hand, for wire-level scenarios an
// Agent would never produce.
type rawPeer struct {
	t     *testing.T
	conn  net.PacketConn
	codec message.Codec
}

// newRawPair connects an Agent (returned) to a raw peer through a pipe.
// The Agent reaches the peer at addr.
func newRawPair(t *testing.T, configure func(*AgentConfig)) (agent *Agent, peer *rawPeer, addr net.Addr) {
	t.Helper()
	f0, f1 := transport.NewPipeFactoryPair()

	config := AgentConfig{Params: TestParams(), Factory: f0}
	if configure != nil {
		configure(&config)
	}
	agent, err := NewAgent(config)
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}

	conn, err := f1.CreateUDPConn(0)
	if err != nil {
		t.Fatalf("CreateUDPConn() error = %v", err)
	}

	t.Cleanup(func() {
		_ = agent.Close()
		_ = conn.Close()
		_ = f0.Pipe().Close()
	})
	return agent, &rawPeer{t: t, conn: conn, codec: message.DefaultCodec}, f0.PeerAddr()
}

// read returns the next message of one of the given types, skipping
// others (e.g. ACKs of NON responses).
func (p *rawPeer) read(types ...message.Type) *message.Message {
	p.t.Helper()
	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			p.t.Fatalf("raw peer read: %v", err)
		}
		m, err := p.codec.Decode(buf[:n])
		if err != nil {
			p.t.Fatalf("raw peer decode: %v", err)
		}
		if len(types) == 0 {
			return m
		}
		for _, typ := range types {
			if m.Type == typ {
				return m
			}
		}
	}
}

// expectSilence fails if a message of the given type arrives within d.
func (p *rawPeer) expectSilence(d time.Duration, typ message.Type) {
	p.t.Helper()
	buf := make([]byte, 2048)
	deadline := time.Now().Add(d)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if m, err := p.codec.Decode(buf[:n]); err == nil && m.Type == typ {
			p.t.Fatalf("unexpected %s", m)
		}
	}
}

func (p *rawPeer) write(m *message.Message) {
	p.t.Helper()
	data, err := p.codec.Encode(m)
	if err != nil {
		p.t.Fatalf("raw peer encode: %v", err)
	}
	p.writeRaw(data)
}

func (p *rawPeer) writeRaw(data []byte) {
	p.t.Helper()
	if _, err := p.conn.WriteTo(data, nil); err != nil {
		p.t.Fatalf("raw peer write: %v", err)
	}
}

func notification(typ message.Type, mid uint16, token message.Token, seq uint32, payload string) *message.Message {
	m := &message.Message{
		Type:      typ,
		Code:      message.Content,
		MessageID: mid,
		Token:     token,
		Payload:   []byte(payload),
	}
	m.SetObserve(seq)
	return m
}
