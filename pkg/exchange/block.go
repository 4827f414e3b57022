package exchange

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"golang.org/x/crypto/blake2b"
)

// Reassembler collects the blocks of one blockwise body in order.
//
// Progress is tracked as a byte offset so the peer may lower the block
// size between blocks (RFC 7959 Section 2.2). A block before the current
// offset is a duplicate and ignored; a block after it is a gap.
type Reassembler struct {
	buf     bytes.Buffer
	szx     uint8
	started bool
	done    bool
	maxSize int
}

// NewReassembler creates a reassembler bounded to maxSize bytes
// (0 means unbounded).
func NewReassembler(maxSize int) *Reassembler {
	return &Reassembler{maxSize: maxSize}
}

// Add appends one block. It returns done once the final block (More
// clear) has been added.
func (r *Reassembler) Add(b message.BlockValue, payload []byte) (done bool, err error) {
	if r.done {
		return true, nil
	}
	if r.started && b.SZX > r.szx {
		return false, NewProtocolError("block size grew from %d to %d", message.SZXToSize(r.szx), b.Size())
	}

	offset := b.Offset()
	switch {
	case offset < r.buf.Len():
		return false, nil
	case offset > r.buf.Len():
		return false, NewProtocolError("block %s leaves a gap at offset %d", b, r.buf.Len())
	}

	if b.More && len(payload) != b.Size() {
		return false, NewProtocolError("block %s carries %d bytes", b, len(payload))
	}
	if r.maxSize > 0 && r.buf.Len()+len(payload) > r.maxSize {
		return false, &ProtocolError{Reason: "reassembled body", Err: ErrEntityTooLarge}
	}

	r.buf.Write(payload)
	r.szx = b.SZX
	r.started = true
	if !b.More {
		r.done = true
	}
	return r.done, nil
}

// NextNum returns the block number to request next at the current size.
func (r *Reassembler) NextNum() uint32 {
	return uint32(r.buf.Len() / message.SZXToSize(r.szx))
}

// SZX returns the block size exponent of the last added block.
func (r *Reassembler) SZX() uint8 {
	return r.szx
}

// Len returns the number of bytes collected so far.
func (r *Reassembler) Len() int {
	return r.buf.Len()
}

// Done reports whether the final block arrived.
func (r *Reassembler) Done() bool {
	return r.done
}

// Payload returns the collected body.
func (r *Reassembler) Payload() []byte {
	return r.buf.Bytes()
}

// Splitter cuts an outbound body into blocks on demand.
type Splitter struct {
	payload []byte
	szx     uint8
	etag    []byte
}

// NewSplitter creates a splitter that serves blocks of at most blockSize.
func NewSplitter(payload []byte, blockSize int) *Splitter {
	return &Splitter{
		payload: payload,
		szx:     message.SZXForSize(blockSize),
		etag:    ETag(payload),
	}
}

// NeedsSplit reports whether payload exceeds one block of blockSize.
func NeedsSplit(payload []byte, blockSize int) bool {
	return len(payload) > blockSize
}

// ETag returns an 8-byte entity tag identifying the payload contents.
func ETag(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	return sum[:8]
}

// ETag returns the entity tag of the body being split.
func (s *Splitter) ETag() []byte {
	return s.etag
}

// SZX returns the splitter's own size exponent.
func (s *Splitter) SZX() uint8 {
	return s.szx
}

// Size returns the full body length.
func (s *Splitter) Size() int {
	return len(s.payload)
}

// Count returns the number of blocks at the splitter's size.
func (s *Splitter) Count() int {
	size := message.SZXToSize(s.szx)
	if len(s.payload) == 0 {
		return 1
	}
	return (len(s.payload) + size - 1) / size
}

// Block returns block num. A peer asking for a smaller size than ours gets
// blocks of its size; a larger request is answered at our size with num
// scaled to the same offset.
func (s *Splitter) Block(num uint32, szx uint8) (message.BlockValue, []byte, error) {
	if szx > s.szx {
		num = num << (szx - s.szx)
		szx = s.szx
	}
	b := message.BlockValue{Num: num, SZX: szx}

	offset := b.Offset()
	if offset > len(s.payload) || (offset == len(s.payload) && offset != 0) {
		return message.BlockValue{}, nil, ErrBlockOutOfRange
	}

	end := offset + b.Size()
	if end < len(s.payload) {
		b.More = true
	} else {
		end = len(s.payload)
	}
	return b, s.payload[offset:end], nil
}

// TransferKey identifies a blockwise transfer by endpoint and the request
// it belongs to: method, path and query, without block options.
func TransferKey(endpoint string, req *message.Message) string {
	var sb strings.Builder
	sb.WriteString(endpoint)
	sb.WriteByte('|')
	sb.WriteString(req.Code.String())
	sb.WriteString(req.Path())
	for _, q := range req.Queries() {
		sb.WriteByte('?')
		sb.WriteString(q)
	}
	return sb.String()
}

type transferEntry[T any] struct {
	value   T
	touched time.Time
}

// TransferCache holds block transfer state between requests, expiring
// entries that have been idle for its lifetime.
//
// Thread-safe for concurrent access.
type TransferCache[T any] struct {
	entries  map[string]*transferEntry[T]
	lifetime time.Duration

	mu sync.Mutex
}

// NewTransferCache creates a cache with the given idle lifetime.
func NewTransferCache[T any](lifetime time.Duration) *TransferCache[T] {
	return &TransferCache[T]{
		entries:  make(map[string]*transferEntry[T]),
		lifetime: lifetime,
	}
}

// Put stores value under key.
func (c *TransferCache[T]) Put(key string, value T, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &transferEntry[T]{value: value, touched: now}
}

// Get returns the live value under key and refreshes its idle timer.
func (c *TransferCache[T]) Get(key string, now time.Time) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || now.Sub(e.touched) >= c.lifetime {
		if ok {
			delete(c.entries, key)
		}
		var zero T
		return zero, false
	}
	e.touched = now
	return e.value, true
}

// Delete removes key.
func (c *TransferCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Sweep drops idle entries and returns how many were removed.
func (c *TransferCache[T]) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if now.Sub(e.touched) >= c.lifetime {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of cached transfers.
func (c *TransferCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
