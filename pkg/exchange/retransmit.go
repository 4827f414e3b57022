package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// midKey identifies a message by remote endpoint and message ID.
type midKey struct {
	endpoint string
	mid      uint16
}

// RetransmitEntry represents a confirmable message awaiting acknowledgement.
type RetransmitEntry struct {
	// Addr is the destination for retransmission.
	Addr net.Addr

	// MessageID is the message ID of the encoded datagram.
	MessageID uint16

	// Token is the token of the message, empty for empty messages.
	Token message.Token

	// Datagram is the encoded message, resent unchanged.
	Datagram []byte

	// SendCount is the number of times this message has been sent.
	// Starts at 1 for the initial transmission.
	SendCount int

	// State is the transmission state.
	State TransmitState

	// Timeout is the currently armed delay.
	Timeout time.Duration

	// FirstSent is the time of the initial transmission.
	FirstSent time.Time

	key           midKey
	maxRetransmit int
	expiries      int
	timer         Timer
	onExpire      func(*RetransmitEntry)
}

// Retransmissions returns the number of transmissions after the first.
func (e *RetransmitEntry) Retransmissions() int {
	return e.SendCount - 1
}

// Stop cancels the retransmission timer if running.
func (e *RetransmitEntry) Stop() {
	stopTimer(e.timer)
	e.timer = nil
}

// ExpireResult is the outcome of a timer expiry.
type ExpireResult int

const (
	// ExpireIgnored means the entry was already acknowledged or removed.
	ExpireIgnored ExpireResult = iota

	// ExpireRetransmit means the caller must resend Datagram; the next
	// timer is already armed.
	ExpireRetransmit

	// ExpireTimedOut means the entry gave up and was removed.
	ExpireTimedOut
)

// RetransmitConfig configures a RetransmitTable.
type RetransmitConfig struct {
	// Random supplies jitter. Default: DefaultRandomSource.
	Random RandomSource

	// TimerFunc arms timers. Default: DefaultTimerFunc.
	TimerFunc TimerFunc

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// RetransmitTable manages pending retransmissions of confirmable messages,
// keyed by (endpoint, message ID).
//
// Timer callbacks only report expiry via the onExpire function passed to
// Add; the owner then calls Expire to advance the entry.
//
// Thread-safe for concurrent access.
type RetransmitTable struct {
	entries   map[midKey]*RetransmitEntry
	backoff   *BackoffCalculator
	timerFunc TimerFunc
	now       func() time.Time

	mu sync.Mutex
}

// NewRetransmitTable creates a new retransmission table.
func NewRetransmitTable(config RetransmitConfig) *RetransmitTable {
	if config.TimerFunc == nil {
		config.TimerFunc = DefaultTimerFunc
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RetransmitTable{
		entries:   make(map[midKey]*RetransmitEntry),
		backoff:   NewBackoffCalculator(config.Random),
		timerFunc: config.TimerFunc,
		now:       config.Now,
	}
}

// Add registers a just-sent confirmable message and arms its first timer.
//
// Parameters:
//   - addr: Destination address
//   - mid: Message ID of the datagram
//   - token: Message token (for correlation by the owner)
//   - datagram: Encoded message buffer
//   - params: Timing parameters, snapshotted into the entry
//   - onExpire: Callback when the timer fires
//
// Returns ErrPendingRetransmit if the message ID is already pending for addr.
func (t *RetransmitTable) Add(
	addr net.Addr,
	mid uint16,
	token message.Token,
	datagram []byte,
	params Params,
	onExpire func(*RetransmitEntry),
) (*RetransmitEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := midKey{endpoint: transport.EndpointKey(addr), mid: mid}
	if _, exists := t.entries[key]; exists {
		return nil, ErrPendingRetransmit
	}

	entry := &RetransmitEntry{
		Addr:          addr,
		MessageID:     mid,
		Token:         token,
		Datagram:      datagram,
		SendCount:     1,
		State:         TransmitUnacked,
		Timeout:       t.backoff.Initial(params),
		FirstSent:     t.now(),
		key:           key,
		maxRetransmit: params.MaxRetransmit,
		onExpire:      onExpire,
	}
	t.arm(entry)
	t.entries[key] = entry

	return entry, nil
}

// arm starts the entry timer. Caller holds t.mu.
func (t *RetransmitTable) arm(entry *RetransmitEntry) {
	entry.timer = t.timerFunc(entry.Timeout, func() {
		if entry.onExpire != nil {
			entry.onExpire(entry)
		}
	})
}

// Expire advances an entry whose timer fired.
//
// Each expiry counts toward MaxRetransmit. While the count is below the
// bound the entry is resent with a doubled timeout; reaching it moves the
// entry to TimedOut and removes it. An entry is therefore retransmitted
// MaxRetransmit-1 times, and NoRetransmit times out at the first expiry.
func (t *RetransmitTable) Expire(entry *RetransmitEntry) ExpireResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if current, ok := t.entries[entry.key]; !ok || current != entry {
		return ExpireIgnored
	}

	entry.expiries++
	if entry.expiries >= entry.maxRetransmit {
		entry.Stop()
		entry.State = TransmitTimedOut
		delete(t.entries, entry.key)
		return ExpireTimedOut
	}

	entry.SendCount++
	entry.Timeout = t.backoff.Next(entry.Timeout)
	entry.Stop()
	t.arm(entry)

	return ExpireRetransmit
}

// Elapsed returns the time since the entry was first sent.
func (t *RetransmitTable) Elapsed(entry *RetransmitEntry) time.Duration {
	return t.now().Sub(entry.FirstSent)
}

// TimeoutError builds the terminal error for a timed-out entry.
func (t *RetransmitTable) TimeoutError(entry *RetransmitEntry) *TimeoutError {
	return &TimeoutError{
		Elapsed:         t.Elapsed(entry),
		Retransmissions: entry.Retransmissions(),
	}
}

// Ack removes an entry when a matching ACK arrives.
// Returns the entry if found, nil otherwise.
func (t *RetransmitTable) Ack(addr net.Addr, mid uint16) *RetransmitEntry {
	return t.finish(addr, mid, TransmitAcknowledged)
}

// Reset removes an entry when a matching RST arrives.
// Returns the entry if found, nil otherwise.
func (t *RetransmitTable) Reset(addr net.Addr, mid uint16) *RetransmitEntry {
	return t.finish(addr, mid, TransmitReset)
}

func (t *RetransmitTable) finish(addr net.Addr, mid uint16, state TransmitState) *RetransmitEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := midKey{endpoint: transport.EndpointKey(addr), mid: mid}
	entry, ok := t.entries[key]
	if !ok {
		return nil
	}

	entry.Stop()
	entry.State = state
	delete(t.entries, key)

	return entry
}

// Get returns the pending entry for (addr, mid).
func (t *RetransmitTable) Get(addr net.Addr, mid uint16) (*RetransmitEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[midKey{endpoint: transport.EndpointKey(addr), mid: mid}]
	return entry, ok
}

// Remove cancels and removes the entry for (addr, mid).
func (t *RetransmitTable) Remove(addr net.Addr, mid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := midKey{endpoint: transport.EndpointKey(addr), mid: mid}
	if entry, ok := t.entries[key]; ok {
		entry.Stop()
		delete(t.entries, key)
	}
}

// Count returns the number of pending retransmit entries.
func (t *RetransmitTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear removes all entries. Used for shutdown.
func (t *RetransmitTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		entry.Stop()
		delete(t.entries, key)
	}
}
