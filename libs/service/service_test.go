package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

type testService struct {
	BaseService

	started chan struct{}
	stopped chan struct{}
	failure error
}

func newTestService() *testService {
	ts := &testService{
		started: make(chan struct{}, 1),
		stopped: make(chan struct{}, 1),
	}
	ts.BaseService = *NewBaseService(nil, "TestService", ts)
	return ts
}

func (ts *testService) OnStart(ctx context.Context) error {
	if ts.failure != nil {
		return ts.failure
	}
	ts.started <- struct{}{}
	return nil
}

func (ts *testService) OnStop() { ts.stopped <- struct{}{} }

func TestBaseServiceWait(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := newTestService()
	require.NoError(t, ts.Start(ctx))
	require.True(t, ts.IsRunning())

	waitFinished := make(chan struct{})
	go func() {
		ts.Wait()
		close(waitFinished)
	}()

	go ts.Stop() //nolint:errcheck // ignore for tests

	select {
	case <-waitFinished:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected Wait() to finish within 100 ms.")
	}
	require.False(t, ts.IsRunning())
	<-ts.stopped
}

func TestBaseServiceContextCancelStops(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	ts := newTestService()
	require.NoError(t, ts.Start(ctx))

	cancel()
	ts.Wait()
	require.False(t, ts.IsRunning())
}

func TestBaseServiceLifecycleErrors(t *testing.T) {
	ctx := context.Background()

	ts := newTestService()
	require.ErrorIs(t, ts.Stop(), ErrNotStarted)
	require.NoError(t, ts.Start(ctx))
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStarted)
	require.NoError(t, ts.Stop())
	require.ErrorIs(t, ts.Stop(), ErrAlreadyStopped)
	require.ErrorIs(t, ts.Start(ctx), ErrAlreadyStopped)

	failing := newTestService()
	failing.failure = errors.New("boom")
	require.Error(t, failing.Start(ctx))
	require.False(t, failing.IsRunning())
}
