package commit

import (
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

const testCellID = "commit_test_cell"

var testStartTime = time.Date(2022, time.March, 1, 12, 0, 0, 0, time.UTC)

type testNode struct {
	cell        *types.Cell
	clock       *clock.Clock
	chain       *store.BlockStore
	pending     *pending.DBStore
	broadcaster *pending.Broadcaster
	manager     *Manager
}

type testCell struct {
	t     *testing.T
	cfg   *config.CommitConfig
	mock  *bclock.Mock
	nodes []*testNode
}

func newTestCell(t *testing.T, n int) *testCell {
	t.Helper()

	cells, err := types.MakeCells(testCellID, n)
	require.NoError(t, err)

	tc := &testCell{
		t:    t,
		cfg:  config.TestCommitConfig(),
		mock: bclock.NewMock(),
	}
	tc.mock.Set(testStartTime)

	for _, cell := range cells {
		tc.nodes = append(tc.nodes, newTestNode(t, tc.cfg, tc.mock, cell, nil))
	}
	return tc
}

// newTestNode builds a node. pendingSync defaults to a Broadcaster over the
// node's pending store.
func newTestNode(
	t *testing.T,
	cfg *config.CommitConfig,
	mock *bclock.Mock,
	cell *types.Cell,
	pendingSync pending.Synchronizer,
) *testNode {
	t.Helper()

	chain := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, chain.InitChain(testCellID))
	pendingStore := pending.NewDBStore(dbm.NewMemDB())
	broadcaster := pending.NewBroadcaster(log.TestingLogger(), cell, pendingStore)
	if pendingSync == nil {
		pendingSync = broadcaster
	}
	c := clock.NewWithSource(mock)

	return &testNode{
		cell:        cell,
		clock:       c,
		chain:       chain,
		pending:     pendingStore,
		broadcaster: broadcaster,
		manager:     NewManager(log.TestingLogger(), cfg, cell, chain, pendingStore, pendingSync, c, NopMetrics()),
	}
}

// newEntry returns an entry signed by the node, stored nowhere.
func (n *testNode) newEntry(t *testing.T, data string) *types.Operation {
	t.Helper()
	id := types.OperationID(n.clock.ConsistentTimestamp(n.cell.NodeSeed(n.cell.LocalNodeID())))
	op, err := types.MakeSignedEntry(n.cell.Key(), id, []byte(data))
	require.NoError(t, err)
	return op
}

// addEntry creates an entry on the node and stores it on every given node.
func (n *testNode) addEntry(t *testing.T, data string, to ...*testNode) *types.Operation {
	t.Helper()
	op := n.newEntry(t, data)
	for _, node := range append([]*testNode{n}, to...) {
		require.NoError(t, node.pending.PutOperation(op))
	}
	return op
}

func (n *testNode) tick(t *testing.T) *types.SyncContext {
	t.Helper()
	sc := types.NewSyncContext()
	require.NoError(t, n.manager.Tick(sc))
	return sc
}

// deliver hands the operations a node created during a tick to peers.
func (n *testNode) deliver(t *testing.T, sc *types.SyncContext, to ...*testNode) {
	t.Helper()
	if len(sc.Operations) == 0 {
		return
	}
	for _, node := range to {
		stored := node.broadcaster.HandlePendingOperations(n.cell.LocalNodeID(), &types.PendingOperations{
			Operations: sc.Operations,
		})
		require.Equal(t, len(sc.Operations), stored)
	}
}

func (n *testNode) lastBlock(t *testing.T) *types.Block {
	t.Helper()
	last, err := n.chain.GetLastBlock()
	require.NoError(t, err)
	require.NotNil(t, last)
	return last
}

func (n *testNode) storedOperation(t *testing.T, id types.OperationID) *pending.StoredOperation {
	t.Helper()
	stored, err := n.pending.GetOperation(id)
	require.NoError(t, err)
	return stored
}

// advanceToTurn moves the clock to the next epoch where node owns the turn.
func (tc *testCell) advanceToTurn(node *testNode) {
	tc.t.Helper()
	for i := 0; i <= len(tc.nodes); i++ {
		turn, err := node.manager.IsNodeCommitTurn(tc.mock.Now())
		require.NoError(tc.t, err)
		if turn {
			return
		}
		tc.mock.Add(tc.cfg.CommitMaximumInterval)
	}
	tc.t.Fatalf("node %s never got the turn", node.cell.LocalNodeID())
}

func hasEvent(sc *types.SyncContext, event types.Event) bool {
	for _, e := range sc.Events {
		if e == event {
			return true
		}
	}
	return false
}

func operationsOfType(ops []*types.Operation, opType types.OperationType) []*types.Operation {
	var out []*types.Operation
	for _, op := range ops {
		if op.Type == opType {
			out = append(out, op)
		}
	}
	return out
}
