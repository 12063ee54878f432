package node

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/p2p"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

const commitTimeout = 15 * time.Second

// testConfig returns the config of a single node cell written under a
// temporary home.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.ResetTestRoot(t.TempDir(), "node_test")
	require.NoError(t, err)
	cfg.P2P.ListenAddress = "tcp://127.0.0.1:0"
	cfg.RPC.ListenAddress = "tcp://127.0.0.1:0"

	key, err := types.GenNodeKey()
	require.NoError(t, err)
	require.NoError(t, key.SaveAs(cfg.NodeKeyFile()))

	cellFile := types.CellFile{
		ID:    "node_test_cell",
		Nodes: []types.CellFileNode{types.NewCellFileNode(key.PubKey(), cfg.P2P.ListenAddress, types.RoleChain)},
	}
	require.NoError(t, cellFile.SaveAs(cfg.CellFile()))
	return cfg
}

func TestNodeStartStop(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	n, err := New(cfg, log.TestingLogger())
	require.NoError(t, err)
	require.NotNil(t, n.RPCServer())

	require.NoError(t, n.Start(ctx))
	assert.True(t, n.IsRunning())
	assert.NotNil(t, n.RPCServer().Addr())

	op, err := n.Engine().SubmitEntry(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		block, err := n.ChainStore().GetBlockByOperationID(op.ID)
		return err == nil && block != nil
	}, commitTimeout, 10*time.Millisecond)

	require.NoError(t, n.Stop())
	assert.False(t, n.IsRunning())
	assert.False(t, n.Engine().IsRunning())
}

func TestNodeStopsWithContext(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())

	cfg := testConfig(t)
	cfg.RPC.ListenAddress = ""
	n, err := New(cfg, log.TestingLogger())
	require.NoError(t, err)
	assert.Nil(t, n.RPCServer())

	require.NoError(t, n.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
}

func TestNewNodeMissingFiles(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Remove(cfg.CellFile()))
	_, err := New(cfg, log.TestingLogger())
	require.Error(t, err)

	cfg = testConfig(t)
	require.NoError(t, os.Remove(cfg.NodeKeyFile()))
	_, err = New(cfg, log.TestingLogger())
	require.Error(t, err)
}

func TestNodeKeyOutsideCell(t *testing.T) {
	cfg := testConfig(t)
	other, err := types.GenNodeKey()
	require.NoError(t, err)
	require.NoError(t, other.SaveAs(cfg.NodeKeyFile()))

	_, err = New(cfg, log.TestingLogger())
	require.Error(t, err)
}

func TestNodeRefusesChainOfAnotherCell(t *testing.T) {
	cells, err := types.MakeCells("node_test_cell", 1)
	require.NoError(t, err)

	chainDB := dbm.NewMemDB()
	require.NoError(t, store.NewBlockStore(chainDB).InitChain("another_cell"))
	dbProvider := func(ctx *config.DBContext) (dbm.DB, error) {
		if ctx.ID == "chain" {
			return chainDB, nil
		}
		return dbm.NewMemDB(), nil
	}
	network := p2p.NewMemoryNetwork(log.TestingLogger(), 16)
	memoryTransport := func(_ log.Logger, _ *config.P2PConfig, cell *types.Cell, _ *p2p.Metrics) p2p.Transport {
		return network.CreateTransport(cell.LocalNodeID())
	}

	_, err = makeNode(config.TestConfig(), log.TestingLogger(), cells[0], dbProvider, memoryTransport)
	require.Error(t, err)
}

func TestCellOfNodes(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cells, err := types.MakeCells("node_test_cell", 2)
	require.NoError(t, err)
	network := p2p.NewMemoryNetwork(log.TestingLogger(), 1024)
	memoryTransport := func(_ log.Logger, _ *config.P2PConfig, cell *types.Cell, _ *p2p.Metrics) p2p.Transport {
		return network.CreateTransport(cell.LocalNodeID())
	}

	nodes := make([]*Node, len(cells))
	for i, cell := range cells {
		cfg := config.TestConfig()
		cfg.RPC.ListenAddress = ""
		n, err := makeNode(cfg, log.TestingLogger().With("node", i), cell, config.DefaultDBProvider, memoryTransport)
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		t.Cleanup(func() { _ = n.Stop() })
		nodes[i] = n
	}

	op, err := nodes[1].Engine().SubmitEntry(ctx, []byte("from node 1"))
	require.NoError(t, err)
	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			block, err := n.ChainStore().GetBlockByOperationID(op.ID)
			return err == nil && block != nil
		}, commitTimeout, 10*time.Millisecond)
	}
}
