package coap

import (
	"net"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/logging"
)

// =============================================================================
// Exported Test Infrastructure for E2E Testing
// =============================================================================

// TestAgentPair provides two Agents connected through an in-memory Pipe.
// Agent 0 is the client side and Agent 1 listens, but both can send.
//
// Usage:
//
//	pair, _ := coap.NewTestAgentPair(coap.TestAgentPairConfig{})
//	defer pair.Close()
//
//	pair.Agent(1).Handle(myHandler)
//	resp, err := pair.Agent(0).Get(ctx, pair.PeerAddr(0), "/hello")
type TestAgentPair struct {
	agents    [2]*Agent
	factories [2]*transport.PipeFactory
}

// TestAgentPairConfig configures the test pair.
type TestAgentPairConfig struct {
	// Params for both agents. Default: TestParams().
	Params exchange.Params

	// Handlers for each side; nil leaves the agent without a handler.
	Handlers [2]Handler

	// Configure, if set, adjusts each agent config before creation.
	Configure func(idx int, config *AgentConfig)

	// LoggerFactory for both agents. Optional.
	LoggerFactory logging.LoggerFactory
}

// TestParams returns fast parameters for tests: 100ms ACK timeout without
// jitter and two timer expiries before giving up.
func TestParams() exchange.Params {
	p := exchange.DefaultParams()
	p.AckTimeout = 100 * time.Millisecond
	p.AckRandomFactor = 1.0
	p.MaxRetransmit = 2
	p.PiggybackDelay = 20 * time.Millisecond
	p.MulticastTimeout = 200 * time.Millisecond
	return p
}

// NewTestAgentPair creates two agents connected via a pipe. Agent 1
// listens immediately.
func NewTestAgentPair(config TestAgentPairConfig) (*TestAgentPair, error) {
	if config.Params == (exchange.Params{}) {
		config.Params = TestParams()
	}

	f0, f1 := transport.NewPipeFactoryPair()
	pair := &TestAgentPair{factories: [2]*transport.PipeFactory{f0, f1}}

	for i := 0; i < 2; i++ {
		ac := AgentConfig{
			Params:        config.Params,
			Factory:       pair.factories[i],
			Handler:       config.Handlers[i],
			LoggerFactory: config.LoggerFactory,
		}
		if config.Configure != nil {
			config.Configure(i, &ac)
		}
		agent, err := NewAgent(ac)
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.agents[i] = agent
	}

	if _, err := pair.agents[1].Listen(); err != nil {
		pair.Close()
		return nil, err
	}

	return pair, nil
}

// Agent returns the agent at the given index (0 or 1).
func (p *TestAgentPair) Agent(idx int) *Agent {
	return p.agents[idx]
}

// PeerAddr returns the address agent idx uses to reach the other agent.
func (p *TestAgentPair) PeerAddr(idx int) net.Addr {
	return p.factories[idx].PeerAddr()
}

// Pipe returns the underlying pipe for network simulation.
func (p *TestAgentPair) Pipe() *transport.Pipe {
	return p.factories[0].Pipe()
}

// Close closes both agents and the pipe.
func (p *TestAgentPair) Close() {
	for _, a := range p.agents {
		if a != nil {
			_ = a.Close()
		}
	}
	_ = p.factories[0].Pipe().Close()
}
