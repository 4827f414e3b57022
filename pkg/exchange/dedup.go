package exchange

import (
	"sync"
	"time"
)

type dedupEntry struct {
	seen  time.Time
	reply []byte
}

// DedupCache remembers recently seen (endpoint, message ID) pairs so a
// retransmitted CON or NON is delivered to the application only once.
// The reply sent for the original is cached and resent for duplicates.
//
// Thread-safe for concurrent access.
type DedupCache struct {
	entries  map[midKey]*dedupEntry
	lifetime time.Duration

	mu sync.Mutex
}

// NewDedupCache creates a cache whose entries live for lifetime.
func NewDedupCache(lifetime time.Duration) *DedupCache {
	return &DedupCache{
		entries:  make(map[midKey]*dedupEntry),
		lifetime: lifetime,
	}
}

// ShouldDeliver records an observation and reports whether it is the first
// one within the validity window.
func (c *DedupCache) ShouldDeliver(endpoint string, mid uint16, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := midKey{endpoint: endpoint, mid: mid}
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.seen) < c.lifetime {
			return false
		}
	}
	c.entries[key] = &dedupEntry{seen: now}
	return true
}

// SetReply caches the datagram sent in answer to (endpoint, mid).
func (c *DedupCache) SetReply(endpoint string, mid uint16, datagram []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[midKey{endpoint: endpoint, mid: mid}]; ok {
		e.reply = datagram
	}
}

// Reply returns the cached reply for (endpoint, mid), if any.
func (c *DedupCache) Reply(endpoint string, mid uint16) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[midKey{endpoint: endpoint, mid: mid}]
	if !ok || e.reply == nil {
		return nil, false
	}
	return e.reply, true
}

// SetLifetime changes the validity window for future checks.
func (c *DedupCache) SetLifetime(lifetime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lifetime = lifetime
}

// Sweep drops expired entries and returns how many were removed.
func (c *DedupCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if now.Sub(e.seen) >= c.lifetime {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of remembered entries.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
