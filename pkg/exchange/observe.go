package exchange

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// Observe sequence numbers are 24-bit (RFC 7641 Section 3.4).
const (
	ObserveModulus = 1 << 24
	observeHalf    = 1 << 23

	// ObserveFreshness is how long after the last accepted notification a
	// notification is accepted regardless of its sequence number.
	ObserveFreshness = 128 * time.Second
)

// SeqNewer reports whether next lies in the forward half of the sequence
// space relative to prev.
func SeqNewer(prev, next uint32) bool {
	d := (next - prev) & (ObserveModulus - 1)
	return d != 0 && d < observeHalf
}

// Subscription is a client-side observe registration.
type Subscription struct {
	// Token is the registration token.
	Token message.Token

	// Addr is the observed server.
	Addr net.Addr

	// LastSeq is the sequence number of the last accepted notification.
	LastSeq uint32

	// LastTime is when the last notification was accepted.
	LastTime time.Time

	// Accepted and Dropped count notifications.
	Accepted int
	Dropped  int

	hasSeq bool
	closed bool
	key    Key
}

// Closed returns true once the subscription stopped accepting notifications.
func (s *Subscription) Closed() bool {
	return s.closed
}

// ObserveRegistry tracks client-side observe subscriptions.
//
// Thread-safe for concurrent access.
type ObserveRegistry struct {
	subs map[Key]*Subscription

	mu sync.Mutex
}

// NewObserveRegistry creates an empty registry.
func NewObserveRegistry() *ObserveRegistry {
	return &ObserveRegistry{subs: make(map[Key]*Subscription)}
}

// Subscribe registers token for notifications from addr. An existing
// subscription under the same key is returned unchanged.
func (r *ObserveRegistry) Subscribe(token message.Token, addr net.Addr) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}
	if sub, ok := r.subs[key]; ok {
		return sub
	}
	sub := &Subscription{Token: token, Addr: addr, key: key}
	r.subs[key] = sub
	return sub
}

// OnNotification applies a notification carrying seq and reports whether
// it should be delivered. The first notification is always accepted;
// later ones must be newer than the last accepted sequence number, or
// arrive more than ObserveFreshness after it. Notifications for unknown
// or closed subscriptions are rejected.
func (r *ObserveRegistry) OnNotification(token message.Token, addr net.Addr, seq uint32, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}]
	if !ok || sub.closed {
		return false
	}

	seq &= ObserveModulus - 1
	if sub.hasSeq && !SeqNewer(sub.LastSeq, seq) && now.Sub(sub.LastTime) <= ObserveFreshness {
		sub.Dropped++
		return false
	}

	sub.hasSeq = true
	sub.LastSeq = seq
	sub.LastTime = now
	sub.Accepted++
	return true
}

// Reset closes the subscription for (token, addr) after the peer sent RST.
// Returns the closed subscription, or nil if none existed.
func (r *ObserveRegistry) Reset(token message.Token, addr net.Addr) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}
	sub, ok := r.subs[key]
	if !ok {
		return nil
	}
	sub.closed = true
	delete(r.subs, key)
	return sub
}

// Unsubscribe closes and removes sub.
func (r *ObserveRegistry) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub.closed = true
	if r.subs[sub.key] == sub {
		delete(r.subs, sub.key)
	}
}

// Len returns the number of open subscriptions.
func (r *ObserveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Observer is a server-side registration: a client observing a resource.
type Observer struct {
	// Token is the client's registration token.
	Token message.Token

	// Addr is the client.
	Addr net.Addr

	// Path is the observed resource.
	Path string

	// LastMessageID is the message ID of the latest notification, used to
	// match a RST from the client.
	LastMessageID uint16

	seq uint32
	key Key
}

// NextSeq returns the sequence number for the next notification.
func (o *Observer) NextSeq() uint32 {
	o.seq = (o.seq + 1) & (ObserveModulus - 1)
	return o.seq
}

// ObserverList tracks the clients observing local resources.
//
// Thread-safe for concurrent access.
type ObserverList struct {
	observers map[Key]*Observer

	mu sync.Mutex
}

// NewObserverList creates an empty list.
func NewObserverList() *ObserverList {
	return &ObserverList{observers: make(map[Key]*Observer)}
}

// Register adds or refreshes the observer (token, addr). A re-registration
// keeps the sequence counter so notifications stay ordered.
func (l *ObserverList) Register(token message.Token, addr net.Addr, path string) *Observer {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}
	if o, ok := l.observers[key]; ok {
		o.Path = path
		return o
	}
	o := &Observer{Token: token, Addr: addr, Path: path, key: key}
	l.observers[key] = o
	return o
}

// Get returns the observer (token, addr).
func (l *ObserverList) Get(token message.Token, addr net.Addr) (*Observer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.observers[Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}]
	return o, ok
}

// SetMessageID records the message ID of the latest notification.
func (l *ObserverList) SetMessageID(o *Observer, mid uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o.LastMessageID = mid
}

// RemoveByMessageID removes the observer whose latest notification from
// addr had mid. Returns the removed observer or nil.
func (l *ObserverList) RemoveByMessageID(addr net.Addr, mid uint16) *Observer {
	l.mu.Lock()
	defer l.mu.Unlock()

	endpoint := transport.EndpointKey(addr)
	for key, o := range l.observers {
		if key.Endpoint == endpoint && o.LastMessageID == mid {
			delete(l.observers, key)
			return o
		}
	}
	return nil
}

// Remove deletes the observer (token, addr).
func (l *ObserverList) Remove(token message.Token, addr net.Addr) *Observer {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key{Token: string(token), Endpoint: transport.EndpointKey(addr)}
	o, ok := l.observers[key]
	if !ok {
		return nil
	}
	delete(l.observers, key)
	return o
}

// Len returns the number of observers.
func (l *ObserverList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.observers)
}
