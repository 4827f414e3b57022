package exchange

import (
	"net"
	"sync"
	"time"
)

// mockRandomSource returns a fixed value for deterministic testing.
type mockRandomSource struct {
	value float64
}

func (m mockRandomSource) Float64() float64 {
	return m.value
}

// manualTimer is a Timer fired by the test.
type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// manualTimers records armed timers so tests can fire them in order.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) TimerFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// fireNext fires the oldest live timer and returns its delay.
func (m *manualTimers) fireNext() (time.Duration, bool) {
	m.mu.Lock()
	var next *manualTimer
	for _, t := range m.timers {
		if !t.stopped {
			next = t
			break
		}
	}
	if next != nil {
		next.stopped = true
	}
	m.mu.Unlock()

	if next == nil {
		return 0, false
	}
	next.f()
	return next.d, true
}

func (m *manualTimers) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testAddr(port int) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: port}
}

func testParams() Params {
	p := DefaultParams()
	p.AckTimeout = 100 * time.Millisecond
	p.AckRandomFactor = 1.0
	p.MaxRetransmit = 2
	return p
}
