package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// AckEntry represents an inbound confirmable request whose acknowledgement
// is still owed.
//
// The response is piggybacked on the ACK if the application answers within
// the piggyback window. Otherwise an empty ACK is sent when the window
// closes and the response later travels as a separate message.
type AckEntry struct {
	// Addr is the requester.
	Addr net.Addr

	// MessageID is the message ID of the request to acknowledge.
	MessageID uint16

	// Token is the request token.
	Token message.Token

	// EmptyAckSent indicates an empty ACK already went out, so the response
	// can no longer be piggybacked.
	EmptyAckSent bool

	key      midKey
	timer    Timer
	callback func(*AckEntry)
}

// Stop cancels the piggyback timer if running.
func (e *AckEntry) Stop() {
	stopTimer(e.timer)
	e.timer = nil
}

// AckTable manages pending acknowledgements for inbound confirmable
// requests, keyed by (endpoint, message ID).
//
// Thread-safe for concurrent access.
type AckTable struct {
	entries   map[midKey]*AckEntry
	timerFunc TimerFunc

	mu sync.Mutex
}

// NewAckTable creates a new acknowledgement table. A nil timerFunc uses
// DefaultTimerFunc.
func NewAckTable(timerFunc TimerFunc) *AckTable {
	if timerFunc == nil {
		timerFunc = DefaultTimerFunc
	}
	return &AckTable{
		entries:   make(map[midKey]*AckEntry),
		timerFunc: timerFunc,
	}
}

// Add opens the piggyback window for a request.
//
// Parameters:
//   - addr: Requester address
//   - mid: Message ID of the request
//   - token: Request token
//   - window: Piggyback delay
//   - onTimeout: Called when the window closes before the response
//
// An existing entry for the same request is replaced.
func (t *AckTable) Add(addr net.Addr, mid uint16, token message.Token, window time.Duration, onTimeout func(*AckEntry)) *AckEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := midKey{endpoint: transport.EndpointKey(addr), mid: mid}
	if existing, ok := t.entries[key]; ok {
		existing.Stop()
	}

	entry := &AckEntry{
		Addr:      addr,
		MessageID: mid,
		Token:     token,
		key:       key,
		callback:  onTimeout,
	}
	entry.timer = t.timerFunc(window, func() {
		if entry.callback != nil {
			entry.callback(entry)
		}
	})
	t.entries[key] = entry

	return entry
}

// Expire is called when the window of entry closes. It returns true if the
// caller must now send an empty ACK; false if the response already went
// out or the empty ACK was already sent.
func (t *AckTable) Expire(entry *AckEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[entry.key]
	if !ok || current != entry || current.EmptyAckSent {
		return false
	}
	current.Stop()
	current.EmptyAckSent = true
	return true
}

// Take removes the entry when the response is ready. piggyback reports
// whether the response may still ride on the ACK. ok is false if no entry
// exists.
func (t *AckTable) Take(addr net.Addr, mid uint16) (entry *AckEntry, piggyback bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := midKey{endpoint: transport.EndpointKey(addr), mid: mid}
	entry, ok = t.entries[key]
	if !ok {
		return nil, false, false
	}

	entry.Stop()
	delete(t.entries, key)

	return entry, !entry.EmptyAckSent, true
}

// Count returns the number of pending ACK entries.
func (t *AckTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear removes all entries. Used for shutdown.
func (t *AckTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.entries {
		entry.Stop()
		delete(t.entries, key)
	}
}
