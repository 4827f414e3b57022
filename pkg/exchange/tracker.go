package exchange

import (
	"net"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Tracker maps in-flight exchanges by token and by message ID.
//
// ACK and RST match by (endpoint, message ID). Responses match by
// (token, endpoint); multicast exchanges match by token from any sender.
//
// Thread-safe for concurrent access.
type Tracker struct {
	byKey  map[Key]*Exchange
	byMID  map[midKey]*Exchange
	tokens map[string]int

	mu sync.RWMutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byKey:  make(map[Key]*Exchange),
		byMID:  make(map[midKey]*Exchange),
		tokens: make(map[string]int),
	}
}

// Register adds an exchange. Returns ErrExchangeExists if the key is taken.
func (t *Tracker) Register(ex *Exchange) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ex.Key()
	if _, exists := t.byKey[key]; exists {
		return ErrExchangeExists
	}

	t.byKey[key] = ex
	t.byMID[midKey{endpoint: ex.endpoint, mid: ex.MessageID}] = ex
	t.tokens[key.Token]++

	return nil
}

// SetMessageID re-indexes ex under a new message ID.
func (t *Tracker) SetMessageID(ex *Exchange, mid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := midKey{endpoint: ex.endpoint, mid: ex.MessageID}
	if t.byMID[old] == ex {
		delete(t.byMID, old)
	}
	ex.MessageID = mid
	if _, ok := t.byKey[ex.Key()]; ok {
		t.byMID[midKey{endpoint: ex.endpoint, mid: mid}] = ex
	}
}

// MatchAck returns the exchange whose latest message is (addr, mid).
func (t *Tracker) MatchAck(addr net.Addr, mid uint16) *Exchange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.byMID[midKey{endpoint: transport.EndpointKey(addr), mid: mid}]
}

// MatchResponse returns the exchange a response from addr with token
// belongs to, or nil for a stray message.
func (t *Tracker) MatchResponse(token message.Token, addr net.Addr) *Exchange {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ex, ok := t.byKey[Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}]; ok {
		return ex
	}
	if ex, ok := t.byKey[Key{Token: string(token)}]; ok && ex.Multicast {
		return ex
	}
	return nil
}

// Remove deletes an exchange. Removing an unknown exchange is a no-op.
func (t *Tracker) Remove(ex *Exchange) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ex.Key()
	if t.byKey[key] != ex {
		return
	}
	delete(t.byKey, key)

	mk := midKey{endpoint: ex.endpoint, mid: ex.MessageID}
	if t.byMID[mk] == ex {
		delete(t.byMID, mk)
	}

	if t.tokens[key.Token]--; t.tokens[key.Token] <= 0 {
		delete(t.tokens, key.Token)
	}
}

// TokenInUse returns true if any exchange uses token.
func (t *Tracker) TokenInUse(token message.Token) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.tokens[string(token)] > 0
}

// MIDInUse returns true if an exchange's latest message is (addr, mid).
func (t *Tracker) MIDInUse(addr net.Addr, mid uint16) bool {
	return t.MatchAck(addr, mid) != nil
}

// Len returns the number of tracked exchanges.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}
