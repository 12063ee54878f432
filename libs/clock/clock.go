// Package clock provides the time source of a node. Wall time is read through
// an injectable benbjohnson/clock so tests can drive it, and the clock hands
// out consistent timestamps: strictly increasing per node, unique across the
// cell, and convertible back to the millisecond they were created at.
package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

const (
	// a consistent timestamp is millis*timestampMillisFactor + counter*timestampCounterFactor + seed
	timestampMillisFactor  = 1_000_000
	timestampCounterFactor = 100
	maxCounter             = timestampMillisFactor/timestampCounterFactor - 1
	maxSeed                = timestampCounterFactor
)

// Clock is safe for concurrent use.
type Clock struct {
	source bclock.Clock

	mtx        sync.Mutex
	lastMillis uint64
	counter    uint64
}

// New returns a clock reading the system wall time.
func New() *Clock {
	return NewWithSource(bclock.New())
}

// NewWithSource returns a clock reading time from the given source,
// typically a *bclock.Mock in tests.
func NewWithSource(source bclock.Clock) *Clock {
	return &Clock{source: source}
}

// Now returns the current wall time.
func (c *Clock) Now() time.Time {
	return c.source.Now()
}

// Since returns the time elapsed since t.
func (c *Clock) Since(t time.Time) time.Duration {
	return c.source.Since(t)
}

// Ticker returns a ticker driven by the clock source.
func (c *Clock) Ticker(d time.Duration) *bclock.Ticker {
	return c.source.Ticker(d)
}

// ConsistentTimestamp returns a timestamp that is strictly greater than any
// timestamp previously returned by this clock. The seed (reduced modulo 100)
// identifies the node so that two nodes never produce the same value.
func (c *Clock) ConsistentTimestamp(seed uint64) uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	nowMillis := uint64(c.source.Now().UnixNano() / int64(time.Millisecond))
	switch {
	case nowMillis > c.lastMillis:
		c.lastMillis = nowMillis
		c.counter = 0
	case c.counter < maxCounter:
		c.counter++
	default:
		// counter space exhausted for this millisecond, borrow the next one
		c.lastMillis++
		c.counter = 0
	}

	return c.lastMillis*timestampMillisFactor + c.counter*timestampCounterFactor + seed%maxSeed
}

// TimestampTime converts a consistent timestamp back to the wall time it was
// created at, with millisecond precision.
func TimestampTime(ts uint64) time.Time {
	millis := int64(ts / timestampMillisFactor)
	return time.Unix(0, millis*int64(time.Millisecond))
}

// TimestampFromTime returns the smallest consistent timestamp for t.
func TimestampFromTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/int64(time.Millisecond)) * timestampMillisFactor
}
