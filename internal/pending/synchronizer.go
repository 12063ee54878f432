package pending

import (
	"fmt"

	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

//go:generate mockery --case underscore --name Synchronizer

// Synchronizer accepts the operations created locally by the commit manager
// or submitted by applications, and makes them available to the cell.
type Synchronizer interface {
	HandleNewOperation(sc *types.SyncContext, op *types.Operation) error
}

// Broadcaster is a Synchronizer that stores new operations and pushes them
// to the chain nodes of the cell. It also stores the operations pushed by
// peers.
type Broadcaster struct {
	logger log.Logger
	cell   *types.Cell
	store  Store
}

var _ Synchronizer = (*Broadcaster)(nil)

// NewBroadcaster returns a Broadcaster storing operations in store.
func NewBroadcaster(logger log.Logger, cell *types.Cell, store Store) *Broadcaster {
	return &Broadcaster{
		logger: logger.With("module", "pending"),
		cell:   cell,
		store:  store,
	}
}

// HandleNewOperation stores a local operation and queues it for replication.
func (b *Broadcaster) HandleNewOperation(sc *types.SyncContext, op *types.Operation) error {
	if err := op.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid local operation: %w", err)
	}
	if err := b.store.PutOperation(op); err != nil {
		return err
	}
	sc.PushOperation(op)
	return nil
}

// HandlePendingOperations stores the operations pushed by a peer. Invalid
// operations are logged and skipped.
func (b *Broadcaster) HandlePendingOperations(from types.NodeID, msg *types.PendingOperations) int {
	stored := 0
	for _, op := range msg.Operations {
		if err := b.verify(op); err != nil {
			b.logger.Info("ignoring pending operation", "peer", from, "operation", op.ID, "err", err)
			continue
		}
		if err := b.store.PutOperation(op); err != nil {
			b.logger.Error("failed to store pending operation", "peer", from, "operation", op.ID, "err", err)
			continue
		}
		stored++
	}
	return stored
}

func (b *Broadcaster) verify(op *types.Operation) error {
	if err := op.ValidateBasic(); err != nil {
		return err
	}
	author, ok := b.cell.Node(op.NodeID)
	if !ok {
		return fmt.Errorf("author %s is not part of the cell", op.NodeID)
	}
	if op.IsBlockOperation() && !author.HasRole(types.RoleChain) {
		return fmt.Errorf("author %s of a block operation is not a chain node", op.NodeID)
	}
	if !op.VerifySignature(author.PublicKey) {
		return fmt.Errorf("invalid signature from %s", op.NodeID)
	}
	return nil
}
