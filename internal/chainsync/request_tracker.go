package chainsync

import (
	"time"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/clock"
)

// RequestTracker throttles the requests sent to a peer. A new request can be
// sent once the previous one was answered and RequestInterval has elapsed, or
// once the previous one timed out. The timeout doubles after each request
// that went unanswered, up to RequestMaxInterval.
type RequestTracker struct {
	clock       *clock.Clock
	interval    time.Duration
	timeout     time.Duration
	maxInterval time.Duration

	lastSend      time.Time
	lastResponded time.Time
	outstanding   bool
	forceNext     bool
	failures      int
}

// NewRequestTracker returns a tracker allowing an immediate first request.
func NewRequestTracker(c *clock.Clock, cfg *config.ChainSyncConfig) *RequestTracker {
	return &RequestTracker{
		clock:       c,
		interval:    cfg.RequestInterval,
		timeout:     cfg.RequestTimeout,
		maxInterval: cfg.RequestMaxInterval,
	}
}

// CanSendRequest reports whether a request can be sent now.
func (rt *RequestTracker) CanSendRequest() bool {
	if rt.forceNext || rt.lastSend.IsZero() {
		return true
	}
	elapsed := rt.clock.Since(rt.lastSend)
	if rt.outstanding {
		return elapsed >= rt.currentTimeout()
	}
	return elapsed >= rt.interval
}

// currentTimeout is the request timeout after backoff.
func (rt *RequestTracker) currentTimeout() time.Duration {
	timeout := rt.timeout
	for i := 0; i < rt.failures; i++ {
		timeout *= 2
		if timeout >= rt.maxInterval {
			return rt.maxInterval
		}
	}
	return timeout
}

// SetLastSendNow records that a request was just sent. Sending while the
// previous request is still unanswered counts as a failure of that request.
func (rt *RequestTracker) SetLastSendNow() {
	if rt.outstanding {
		rt.failures++
	}
	rt.lastSend = rt.clock.Now()
	rt.outstanding = true
	rt.forceNext = false
}

// SetLastRespondedNow records that the peer just answered.
func (rt *RequestTracker) SetLastRespondedNow() {
	rt.lastResponded = rt.clock.Now()
	rt.outstanding = false
	rt.failures = 0
}

// ForceNextRequest lets the next request bypass throttling.
func (rt *RequestTracker) ForceNextRequest() {
	rt.forceNext = true
}

// Reset clears every timer so the next request can be sent right away.
func (rt *RequestTracker) Reset() {
	rt.lastSend = time.Time{}
	rt.lastResponded = time.Time{}
	rt.outstanding = false
	rt.forceNext = false
	rt.failures = 0
}

// LastResponded returns the time of the last answer, zero if none.
func (rt *RequestTracker) LastResponded() time.Time {
	return rt.lastResponded
}

// ResponseFailureCount returns the number of consecutive unanswered requests.
func (rt *RequestTracker) ResponseFailureCount() int {
	return rt.failures
}
