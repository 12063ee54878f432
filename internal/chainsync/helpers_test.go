package chainsync

import (
	"fmt"
	"testing"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

const testCellID = "chainsync_test_cell"

type testNode struct {
	cell  *types.Cell
	store *store.BlockStore
	sync  *Synchronizer
}

type testNetwork struct {
	t     *testing.T
	cfg   *config.ChainSyncConfig
	mock  *bclock.Mock
	nodes []*testNode
	byID  map[types.NodeID]*testNode
	// nodes that neither send nor receive
	down map[types.NodeID]bool
}

func newTestNetwork(t *testing.T, n int) *testNetwork {
	t.Helper()

	cells, err := types.MakeCells(testCellID, n)
	require.NoError(t, err)

	cfg := config.TestChainSyncConfig()
	mock := bclock.NewMock()
	c := clock.NewWithSource(mock)

	net := &testNetwork{
		t:    t,
		cfg:  cfg,
		mock: mock,
		byID: make(map[types.NodeID]*testNode),
		down: make(map[types.NodeID]bool),
	}
	for _, cell := range cells {
		bs := store.NewBlockStore(dbm.NewMemDB())
		require.NoError(t, bs.InitChain(testCellID))
		node := &testNode{
			cell:  cell,
			store: bs,
			sync:  NewSynchronizer(log.TestingLogger(), cfg, cell, bs, c, NopMetrics()),
		}
		net.nodes = append(net.nodes, node)
		net.byID[cell.LocalNodeID()] = node
	}
	return net
}

// tick advances the clock by one request interval and ticks every node,
// delivering messages until the network is quiet.
func (net *testNetwork) tick() {
	net.t.Helper()
	net.mock.Add(net.cfg.RequestInterval)
	for _, node := range net.nodes {
		if net.down[node.cell.LocalNodeID()] {
			continue
		}
		sc := types.NewSyncContext()
		require.NoError(net.t, node.sync.Tick(sc))
		net.deliver(node.cell.LocalNodeID(), sc)
	}
}

func (net *testNetwork) deliver(from types.NodeID, sc *types.SyncContext) {
	net.t.Helper()

	type envelope struct {
		from types.NodeID
		msg  types.OutMessage
	}
	var queue []envelope
	for _, msg := range sc.Messages {
		queue = append(queue, envelope{from: from, msg: msg})
	}

	for len(queue) > 0 {
		env := queue[0]
		queue = queue[1:]

		target, ok := net.byID[env.msg.To]
		require.True(net.t, ok)
		if net.down[env.msg.To] {
			continue
		}

		out := types.NewSyncContext()
		switch msg := env.msg.Message.(type) {
		case *types.SyncRequest:
			require.NoError(net.t, target.sync.HandleSyncRequest(out, env.from, msg))
		case *types.SyncResponse:
			require.NoError(net.t, target.sync.HandleSyncResponse(out, env.from, msg))
		default:
			net.t.Fatalf("unexpected message %T", msg)
		}
		for _, msg := range out.Messages {
			queue = append(queue, envelope{from: env.msg.To, msg: msg})
		}
	}
}

// buildBlocks returns count blocks following previous, signed by cell's node.
func buildBlocks(t *testing.T, cell *types.Cell, previous *types.Block, count int, tag string) []*types.Block {
	t.Helper()

	key := cell.Key()
	blocks := make([]*types.Block, 0, count)
	for i := 0; i < count; i++ {
		base := types.OperationID((previous.Height() + 1) * 1000)
		entry, err := types.MakeSignedEntry(key, base+1, []byte(fmt.Sprintf("%s-%d", tag, i)))
		require.NoError(t, err)

		block, err := types.NewBlockProposal(previous, base+2, key.ID, []*types.Operation{entry}, cell.ChainNodeIDs())
		require.NoError(t, err)
		sig := types.BlockSignature{NodeID: key.ID, Signature: key.Sign(block.SignBytes())}
		require.NoError(t, block.SetSignatures([]types.BlockSignature{sig}))

		blocks = append(blocks, block)
		previous = block
	}
	return blocks
}

func writeBlocks(t *testing.T, bs store.ChainStore, blocks []*types.Block) {
	t.Helper()
	for _, block := range blocks {
		_, err := bs.WriteBlock(block)
		require.NoError(t, err)
	}
}

func lastBlock(t *testing.T, bs store.ChainStore) *types.Block {
	t.Helper()
	last, err := bs.GetLastBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	return last
}
