package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"
	"github.com/pion/transport/v3/test"
)

// Factory creates datagram sockets.
// Implementations can provide real network sockets or virtual pipes for testing.
type Factory interface {
	// CreateUDPConn creates a UDP-like packet connection.
	// The port parameter is used for address assignment (0 = ephemeral).
	CreateUDPConn(port int) (net.PacketConn, error)
}

// NetFactory opens real UDP sockets.
type NetFactory struct {
	// Host is the local host to bind, empty for all interfaces.
	Host string
}

// CreateUDPConn implements Factory.
func (f NetFactory) CreateUDPConn(port int) (net.PacketConn, error) {
	return net.ListenPacket("udp", net.JoinHostPort(f.Host, fmt.Sprint(port)))
}

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64

	// ReorderRate is the probability of holding a packet back until the
	// next packet in the same direction has been sent (0.0 - 1.0).
	ReorderRate float64
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers packets.
	// Default: 1ms
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// pipeEnd is one side of the bridge with a pump goroutine draining it.
type pipeEnd struct {
	conn  net.Conn
	inbox chan []byte
	held  []byte // packet withheld for reordering
}

// Pipe provides bidirectional in-memory datagram delivery between two endpoints.
// It wraps pion's test.Bridge and adds network condition simulation.
//
// By default, Pipe automatically delivers packets in a background goroutine.
// Use SetAutoProcess(false) or NewPipeWithConfig for manual control.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*pipeEnd

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	pumps           sync.WaitGroup
	done            chan struct{}
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	bridge := test.NewBridge()
	p := &Pipe{
		bridge:          bridge,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
	p.ends[0] = &pipeEnd{conn: bridge.GetConn0(), inbox: make(chan []byte, 1024)}
	p.ends[1] = &pipeEnd{conn: bridge.GetConn1(), inbox: make(chan []byte, 1024)}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	for _, end := range p.ends {
		p.pumps.Add(1)
		go p.pump(end)
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

// pump moves delivered packets from the bridge into the end's inbox so that
// packet conns can be closed and reopened without losing the bridge.
func (p *Pipe) pump(end *pipeEnd) {
	defer p.pumps.Done()
	defer close(end.inbox)

	buf := make([]byte, 65535)
	for {
		n, err := end.conn.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case end.inbox <- pkt:
		case <-p.done:
			return
		}
	}
}

// startAutoProcess starts the background delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
// When disabled, you must call Tick() or Process() manually.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// AutoProcess reports whether background delivery is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition configures network condition simulation.
// The conditions apply to packets in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Tick delivers one packet in each direction (if available).
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers all queued packets.
// Returns the number of packets delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Endpoint returns a packet conn bound to side id (0 or 1).
func (p *Pipe) Endpoint(id int) *PipePacketConn {
	return &PipePacketConn{
		pipe:         p,
		end:          p.ends[id],
		localAddr:    PipeAddr{ID: id, Port: DefaultPipePort},
		peerAddr:     PipeAddr{ID: 1 - id, Port: DefaultPipePort},
		readDeadline: deadline.New(),
		closeCh:      make(chan struct{}),
	}
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	var firstErr error
	for _, end := range p.ends {
		if err := end.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	close(p.done)

	// The bridge only closes its read channels on a tick, so the pumps
	// stay blocked in Read until one runs.
	p.Process()
	p.bridge.Tick()
	p.pumps.Wait()
	return firstErr
}

// write applies network conditions and pushes a packet into the bridge.
func (p *Pipe) write(end *pipeEnd, b []byte) error {
	p.mu.Lock()
	cond := p.condition
	drop := cond.DropRate > 0 && p.rng.Float64() < cond.DropRate
	dup := cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate
	reorder := cond.ReorderRate > 0 && p.rng.Float64() < cond.ReorderRate
	var delay time.Duration
	if cond.DelayMax > 0 {
		delay = cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(p.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
	}
	pkt := append([]byte(nil), b...)
	var release []byte
	if !drop {
		if reorder && end.held == nil {
			end.held = pkt
			pkt = nil
		} else if end.held != nil {
			release, end.held = end.held, nil
		}
	}
	p.mu.Unlock()

	if drop {
		return nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	for _, out := range [][]byte{pkt, release} {
		if out == nil {
			continue
		}
		if _, err := end.conn.Write(out); err != nil {
			return err
		}
		if dup {
			if _, err := end.conn.Write(out); err != nil {
				return err
			}
			dup = false
		}
	}
	return nil
}

// DefaultPipePort is the logical port reported by pipe addresses.
const DefaultPipePort = 5683

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID   int // Endpoint ID (0 or 1)
	Port int // Logical port number
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d:%d", a.ID, a.Port) }

// timeoutError is returned by ReadFrom when the read deadline passes.
type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: pipe read timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// PipePacketConn adapts one side of a Pipe to net.PacketConn.
// Several conns may be opened on the same side over time; closing one does
// not tear down the pipe.
type PipePacketConn struct {
	pipe         *Pipe
	end          *pipeEnd
	localAddr    PipeAddr
	peerAddr     PipeAddr
	readDeadline *deadline.Deadline
	closeOnce    sync.Once
	closeCh      chan struct{}
}

// ReadFrom reads one packet. The returned address is always the peer's.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	case <-c.readDeadline.Done():
		return 0, nil, timeoutError{}
	case pkt, ok := <-c.end.inbox:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		return copy(b, pkt), c.peerAddr, nil
	}
}

// WriteTo writes one packet to the peer. addr is ignored since the pipe
// has a single peer.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.closeCh:
		return 0, net.ErrClosed
	default:
	}
	if err := c.pipe.write(c.end, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close closes this conn; the pipe stays usable.
func (c *PipePacketConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return c.localAddr
}

// PeerAddr returns the address of the other side.
func (c *PipePacketConn) PeerAddr() net.Addr {
	return c.peerAddr
}

// SetDeadline sets the read deadline; writes never block.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

// SetWriteDeadline is a no-op.
func (c *PipePacketConn) SetWriteDeadline(time.Time) error {
	return nil
}

// Verify PipePacketConn implements net.PacketConn.
var _ net.PacketConn = (*PipePacketConn)(nil)

// PipeFactory creates packet conns on one side of a Pipe.
// Use this for in-memory testing without real network I/O.
type PipeFactory struct {
	pipe    *Pipe
	localID int
}

// NewPipeFactoryPair creates a pair of PipeFactory instances connected
// via a Pipe with auto-processing enabled.
//
// Example:
//
//	f0, f1 := transport.NewPipeFactoryPair()
//	// Use f0 for the client agent, f1 for the server agent
func NewPipeFactoryPair() (*PipeFactory, *PipeFactory) {
	return NewPipeFactoryPairWithConfig(DefaultPipeConfig())
}

// NewPipeFactoryPairWithConfig creates a pair of PipeFactory instances
// with the given configuration.
func NewPipeFactoryPairWithConfig(config PipeConfig) (*PipeFactory, *PipeFactory) {
	pipe := NewPipeWithConfig(config)
	return &PipeFactory{pipe: pipe, localID: 0}, &PipeFactory{pipe: pipe, localID: 1}
}

// Pipe returns the underlying pipe for configuration and manual control.
//
// To configure network conditions:
//
//	f.Pipe().SetCondition(transport.NetworkCondition{
//	    DropRate: 0.1, // 10% packet loss
//	})
func (f *PipeFactory) Pipe() *Pipe {
	return f.pipe
}

// SetCondition is a shortcut for Pipe().SetCondition.
func (f *PipeFactory) SetCondition(cond NetworkCondition) {
	f.pipe.SetCondition(cond)
}

// LocalAddr returns the local address for this side of the pipe.
func (f *PipeFactory) LocalAddr() net.Addr {
	return PipeAddr{ID: f.localID, Port: DefaultPipePort}
}

// PeerAddr returns the peer address for this side of the pipe.
func (f *PipeFactory) PeerAddr() net.Addr {
	return PipeAddr{ID: 1 - f.localID, Port: DefaultPipePort}
}

// CreateUDPConn implements Factory.
func (f *PipeFactory) CreateUDPConn(int) (net.PacketConn, error) {
	f.pipe.mu.RLock()
	closed := f.pipe.closed
	f.pipe.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return f.pipe.Endpoint(f.localID), nil
}

// Verify PipeFactory implements Factory.
var _ Factory = (*PipeFactory)(nil)
