package exchange

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes confirmable retransmission timeouts.
//
// The first timeout is drawn uniformly from
//
//	[ACK_TIMEOUT, ACK_TIMEOUT * ACK_RANDOM_FACTOR]
//
// and each later timeout doubles the previous one (RFC 7252 Section 4.2).
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator creates a new backoff calculator with the given random source.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random}
}

// Initial draws the first retransmission timeout.
func (b *BackoffCalculator) Initial(p Params) time.Duration {
	spread := p.AckRandomFactor - 1
	if spread < 0 {
		spread = 0
	}
	return time.Duration(float64(p.AckTimeout) * (1 + b.random.Float64()*spread))
}

// Next returns the timeout following prev.
func (b *BackoffCalculator) Next(prev time.Duration) time.Duration {
	return 2 * prev
}

// CalculateMin returns the shortest possible timeout before expiry n
// (n = 0 for the initial transmission).
func (b *BackoffCalculator) CalculateMin(p Params, n int) time.Duration {
	return time.Duration(float64(p.AckTimeout) * math.Pow(2, float64(n)))
}

// CalculateMax returns the longest possible timeout before expiry n.
func (b *BackoffCalculator) CalculateMax(p Params, n int) time.Duration {
	return time.Duration(float64(p.AckTimeout) * p.AckRandomFactor * math.Pow(2, float64(n)))
}
