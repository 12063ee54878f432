// Package p2ptest holds assertions shared by the tests of transport users.
package p2ptest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cellchain/cellchain/internal/p2p"
	"github.com/cellchain/cellchain/types"
)

// RequireEmpty requires that no envelope is waiting on the given transports.
func RequireEmpty(t *testing.T, transports ...p2p.Transport) {
	t.Helper()
	for _, transport := range transports {
		select {
		case e := <-transport.Receive():
			require.Fail(t, "unexpected envelope", "%v should be empty, got %v", transport, e)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// RequireReceive requires that the given envelope is received by the
// transport within timeout.
func RequireReceive(t *testing.T, transport p2p.Transport, expect types.Envelope, timeout time.Duration) {
	t.Helper()
	timer := time.NewTimer(timeout) // not time.After due to goroutine leaks
	defer timer.Stop()

	select {
	case e := <-transport.Receive():
		require.Equal(t, expect, e)

	case <-timer.C:
		require.Fail(t, "timed out waiting for envelope", "%v on %v", expect, transport)
	}
}

// RequireSend keeps sending the envelope until the transport accepts it.
func RequireSend(t *testing.T, transport p2p.Transport, env types.Envelope, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		return transport.Send(context.Background(), env) == nil
	}, timeout, 10*time.Millisecond, "sending %v", env)
}
