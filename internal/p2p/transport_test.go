package p2p_test

import (
	"context"
	"encoding/hex"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/p2p"
	"github.com/cellchain/cellchain/internal/p2p/p2ptest"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
	"github.com/cellchain/cellchain/types"
	"github.com/cellchain/cellchain/version"
)

const (
	testCellID      = "p2p_test_cell"
	deliveryTimeout = 5 * time.Second
)

// transportFactory starts one transport per node of a new cell of n nodes.
// Transports are stopped when the test ends.
type transportFactory func(ctx context.Context, t *testing.T, n int) ([]*types.Cell, []p2p.Transport)

// testTransports is a registry of transport factories for withTransports().
var testTransports = map[string]transportFactory{
	"memory":    makeMemoryTransports,
	"websocket": makeWSTransports,
}

// withTransports is a test helper that runs a test against all transports
// registered in testTransports.
func withTransports(t *testing.T, tester func(context.Context, *testing.T, transportFactory)) {
	t.Helper()
	for name, transportFactory := range testTransports {
		transportFactory := transportFactory
		t.Run(name, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			tester(ctx, t, transportFactory)
		})
	}
}

func makeMemoryTransports(ctx context.Context, t *testing.T, n int) ([]*types.Cell, []p2p.Transport) {
	cells, err := types.MakeCells(testCellID, n)
	require.NoError(t, err)

	network := p2p.NewMemoryNetwork(log.TestingLogger(), 16)
	transports := make([]p2p.Transport, 0, n)
	for _, cell := range cells {
		transports = append(transports, network.CreateTransport(cell.LocalNodeID()))
	}
	startTransports(ctx, t, transports)
	return cells, transports
}

func makeWSTransports(ctx context.Context, t *testing.T, n int) ([]*types.Cell, []p2p.Transport) {
	keys := make([]types.NodeKey, n)
	nodes := make([]types.CellNode, n)
	for i := range keys {
		key, err := types.GenNodeKey()
		require.NoError(t, err)
		keys[i] = key
		nodes[i] = types.CellNode{
			ID:        key.ID,
			PublicKey: key.PubKey(),
			Address:   freeAddress(t),
			Roles:     []types.NodeRole{types.RoleChain},
		}
	}

	cells := make([]*types.Cell, 0, n)
	transports := make([]p2p.Transport, 0, n)
	for i, key := range keys {
		cell, err := types.NewCell(testCellID, key, nodes)
		require.NoError(t, err)
		cells = append(cells, cell)

		cfg := config.TestP2PConfig()
		cfg.ListenAddress = "tcp://" + nodes[i].Address
		transports = append(transports, p2p.NewWSTransport(log.TestingLogger(), cfg, cell, p2p.NopMetrics()))
	}
	startTransports(ctx, t, transports)
	return cells, transports
}

func startTransports(ctx context.Context, t *testing.T, transports []p2p.Transport) {
	for _, transport := range transports {
		transport := transport
		require.NoError(t, transport.Start(ctx))
		t.Cleanup(func() {
			// canceling ctx may have stopped it already
			if err := transport.Stop(); err != nil {
				require.ErrorIs(t, err, service.ErrAlreadyStopped)
			}
		})
	}
}

func freeAddress(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestTransport_SendReceive(t *testing.T) {
	withTransports(t, func(ctx context.Context, t *testing.T, makeTransports transportFactory) {
		cells, transports := makeTransports(ctx, t, 2)
		a, b := transports[0], transports[1]

		env := types.Envelope{
			From: cells[0].LocalNodeID(),
			To:   cells[1].LocalNodeID(),
			Message: &types.SyncRequest{
				FromOffset:       10,
				ToOffset:         20,
				RequestedDetails: types.RequestedHeaders,
			},
		}
		p2ptest.RequireSend(t, a, env, deliveryTimeout)
		p2ptest.RequireReceive(t, b, env, deliveryTimeout)

		reply := types.Envelope{
			From:    cells[1].LocalNodeID(),
			To:      cells[0].LocalNodeID(),
			Message: &types.SyncRequest{FromOffset: 1, RequestedDetails: types.RequestedBlocks},
		}
		p2ptest.RequireSend(t, b, reply, deliveryTimeout)
		p2ptest.RequireReceive(t, a, reply, deliveryTimeout)

		p2ptest.RequireEmpty(t, a, b)
	})
}

func TestTransport_UnknownPeer(t *testing.T) {
	withTransports(t, func(ctx context.Context, t *testing.T, makeTransports transportFactory) {
		cells, transports := makeTransports(ctx, t, 1)

		stranger, err := types.GenNodeKey()
		require.NoError(t, err)

		err = transports[0].Send(ctx, types.Envelope{
			From:    cells[0].LocalNodeID(),
			To:      stranger.ID,
			Message: &types.SyncRequest{RequestedDetails: types.RequestedHeaders},
		})
		require.ErrorIs(t, err, p2p.ErrUnknownPeer)
	})
}

func TestTransport_StoppedRefusesSend(t *testing.T) {
	withTransports(t, func(ctx context.Context, t *testing.T, makeTransports transportFactory) {
		cells, transports := makeTransports(ctx, t, 2)
		require.NoError(t, transports[0].Stop())

		err := transports[0].Send(ctx, types.Envelope{
			From:    cells[0].LocalNodeID(),
			To:      cells[1].LocalNodeID(),
			Message: &types.SyncRequest{RequestedDetails: types.RequestedHeaders},
		})
		require.ErrorIs(t, err, p2p.ErrTransportClosed)
	})
}

func TestSendAll(t *testing.T) {
	withTransports(t, func(ctx context.Context, t *testing.T, makeTransports transportFactory) {
		cells, transports := makeTransports(ctx, t, 3)
		local := cells[0]

		entry, err := types.MakeSignedEntry(local.Key(), types.OperationID(1646136000000000000), []byte("entry"))
		require.NoError(t, err)

		sc := types.NewSyncContext()
		sc.PushRequest(cells[1].LocalNodeID(), &types.SyncRequest{RequestedDetails: types.RequestedHeaders})
		sc.PushOperation(entry)

		require.Eventually(t, func() bool {
			return p2p.SendAll(ctx, transports[0], local, sc) == nil
		}, deliveryTimeout, 10*time.Millisecond)

		// the first send may have partially succeeded, keep the last copy of
		// every message type per peer
		received := func(transport p2p.Transport, want int) map[string]types.Envelope {
			got := make(map[string]types.Envelope)
			timer := time.NewTimer(deliveryTimeout)
			defer timer.Stop()
			for len(got) < want {
				select {
				case env := <-transport.Receive():
					switch env.Message.(type) {
					case *types.SyncRequest:
						got["request"] = env
					case *types.PendingOperations:
						got["operations"] = env
					}
				case <-timer.C:
					require.FailNow(t, "timed out waiting for envelopes", "got %v", got)
				}
			}
			return got
		}

		envs := received(transports[1], 2)
		assert.Equal(t, local.LocalNodeID(), envs["request"].From)
		ops := envs["operations"].Message.(*types.PendingOperations).Operations
		require.Len(t, ops, 1)
		assert.Equal(t, entry.ID, ops[0].ID)
		assert.True(t, ops[0].VerifySignature(local.Key().PubKey()))

		envs = received(transports[2], 1)
		assert.Contains(t, envs, "operations")
	})
}

func TestWSTransport_RejectsUnauthenticatedPeers(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cells, transports := makeWSTransports(ctx, t, 2)
	url := "ws://" + cells[0].Nodes()[0].Address + "/p2p"
	listener := cells[0].Nodes()[0].ID
	impostor, err := types.GenNodeKey()
	require.NoError(t, err)

	protocol := strconv.FormatUint(version.P2PProtocol.Uint64(), 10)
	dialerCell := cells[0]
	if dialerCell.LocalNodeID() == listener {
		dialerCell = cells[1]
	}
	dialer := dialerCell.LocalNodeID()
	signature := hex.EncodeToString(dialerCell.Key().Sign([]byte(testCellID + "/" + string(dialer) + "/" + string(listener))))

	testcases := map[string]http.Header{
		"no headers": {},
		"other protocol": {
			"X-P2P-Protocol":   {"0"},
			"X-Cell-Id":        {testCellID},
			"X-Node-Id":        {string(dialer)},
			"X-Node-Signature": {signature},
		},
		"foreign cell": {
			"X-P2P-Protocol": {protocol},
			"X-Cell-Id":      {"another_cell"},
			"X-Node-Id":      {string(dialer)},
		},
		"bad signature": {
			"X-P2P-Protocol":   {protocol},
			"X-Cell-Id":        {testCellID},
			"X-Node-Id":        {string(dialer)},
			"X-Node-Signature": {"00"},
		},
		"signature of another listener": {
			"X-P2P-Protocol":   {protocol},
			"X-Cell-Id":        {testCellID},
			"X-Node-Id":        {string(dialer)},
			"X-Node-Signature": {hex.EncodeToString(dialerCell.Key().Sign([]byte(testCellID + "/" + string(dialer) + "/" + string(dialer))))},
		},
		"unknown node": {
			"X-P2P-Protocol":   {protocol},
			"X-Cell-Id":        {testCellID},
			"X-Node-Id":        {string(impostor.ID)},
			"X-Node-Signature": {"00"},
		},
		"self": {
			"X-P2P-Protocol": {protocol},
			"X-Cell-Id":      {testCellID},
			"X-Node-Id":      {string(listener)},
		},
	}
	for name, header := range testcases {
		header := header
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			require.Error(t, err)
			require.Nil(t, conn)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	p2ptest.RequireEmpty(t, transports...)
}

func TestMemoryNetwork(t *testing.T) {
	network := p2p.NewMemoryNetwork(log.NewNopLogger(), 1)
	cells, err := types.MakeCells(testCellID, 2)
	require.NoError(t, err)

	a := network.CreateTransport(cells[0].LocalNodeID())
	b := network.CreateTransport(cells[1].LocalNodeID())
	require.Equal(t, 2, network.Size())
	require.Same(t, a, network.GetTransport(cells[0].LocalNodeID()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	env := types.Envelope{
		From:    cells[0].LocalNodeID(),
		To:      cells[1].LocalNodeID(),
		Message: &types.SyncRequest{RequestedDetails: types.RequestedHeaders},
	}
	require.NoError(t, a.Send(ctx, env))
	require.ErrorIs(t, a.Send(ctx, env), p2p.ErrQueueFull, "buffer of one envelope")
	p2ptest.RequireReceive(t, b, env, time.Second)

	forged := env
	forged.From = cells[1].LocalNodeID()
	require.Error(t, a.Send(ctx, forged))

	require.NoError(t, b.Stop())
	require.Equal(t, 1, network.Size())
	require.ErrorIs(t, a.Send(ctx, env), p2p.ErrUnknownPeer)
	require.NoError(t, a.Stop())
}
