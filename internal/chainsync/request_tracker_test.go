package chainsync

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/clock"
)

func newTestTracker() (*RequestTracker, *bclock.Mock) {
	mock := bclock.NewMock()
	cfg := config.TestChainSyncConfig()
	cfg.RequestInterval = time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.RequestMaxInterval = 5 * time.Second
	return NewRequestTracker(clock.NewWithSource(mock), cfg), mock
}

func TestRequestTrackerInterval(t *testing.T) {
	rt, mock := newTestTracker()
	assert.True(t, rt.CanSendRequest())
	assert.True(t, rt.LastResponded().IsZero())

	rt.SetLastSendNow()
	assert.False(t, rt.CanSendRequest())

	mock.Add(500 * time.Millisecond)
	rt.SetLastRespondedNow()
	assert.Equal(t, mock.Now(), rt.LastResponded())
	assert.False(t, rt.CanSendRequest())

	mock.Add(500 * time.Millisecond)
	assert.True(t, rt.CanSendRequest())
}

func TestRequestTrackerTimeoutBackoff(t *testing.T) {
	rt, mock := newTestTracker()

	rt.SetLastSendNow()
	mock.Add(time.Second)
	assert.False(t, rt.CanSendRequest(), "unanswered requests wait for the timeout")
	mock.Add(time.Second)
	assert.True(t, rt.CanSendRequest())

	rt.SetLastSendNow()
	assert.Equal(t, 1, rt.ResponseFailureCount())
	mock.Add(3 * time.Second)
	assert.False(t, rt.CanSendRequest())
	mock.Add(time.Second)
	assert.True(t, rt.CanSendRequest())

	// capped by the max interval
	rt.SetLastSendNow()
	rt.SetLastSendNow()
	assert.Equal(t, 3, rt.ResponseFailureCount())
	mock.Add(5 * time.Second)
	assert.True(t, rt.CanSendRequest())

	rt.SetLastRespondedNow()
	assert.Equal(t, 0, rt.ResponseFailureCount())
}

func TestRequestTrackerForceAndReset(t *testing.T) {
	rt, mock := newTestTracker()

	rt.SetLastSendNow()
	rt.ForceNextRequest()
	assert.True(t, rt.CanSendRequest())
	rt.SetLastSendNow()
	assert.False(t, rt.CanSendRequest(), "forcing only lasts one request")

	mock.Add(time.Second)
	rt.SetLastRespondedNow()
	rt.Reset()
	assert.True(t, rt.CanSendRequest())
	assert.True(t, rt.LastResponded().IsZero())
	assert.Equal(t, 0, rt.ResponseFailureCount())
}
