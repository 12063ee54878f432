// Package commit turns the entries of the pending store into blocks: chain
// nodes take turns proposing blocks, sign the proposals that follow their
// chain and commit a proposal once a quorum signed it.
package commit

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

// Decision is what the local node did with a proposal.
type Decision int

const (
	// DecisionSigned means the proposal is valid and got signed.
	DecisionSigned Decision = iota + 1
	// DecisionRefused means the proposal is invalid and got refused.
	DecisionRefused
	// DecisionAbstained means the node couldn't judge the proposal yet,
	// because its chain is behind or it misses some of the entries.
	DecisionAbstained
)

func (d Decision) String() string {
	switch d {
	case DecisionSigned:
		return "signed"
	case DecisionRefused:
		return "refused"
	case DecisionAbstained:
		return "abstained"
	default:
		return "unknown"
	}
}

// Manager proposes, signs and commits blocks. Like the chain synchronizer,
// it is ticked from a single goroutine and must only run while the local
// chain is synchronized.
type Manager struct {
	logger       log.Logger
	cfg          *config.CommitConfig
	cell         *types.Cell
	chain        store.ChainStore
	pendingStore pending.Store
	pendingSync  pending.Synchronizer
	clock        *clock.Clock
	metrics      *Metrics
}

// NewManager returns a commit manager. New operations are handed to
// pendingSync, which is expected to store them in pendingStore.
func NewManager(
	logger log.Logger,
	cfg *config.CommitConfig,
	cell *types.Cell,
	chain store.ChainStore,
	pendingStore pending.Store,
	pendingSync pending.Synchronizer,
	c *clock.Clock,
	metrics *Metrics,
) *Manager {
	return &Manager{
		logger:       logger.With("module", "commit"),
		cfg:          cfg,
		cell:         cell,
		chain:        chain,
		pendingStore: pendingStore,
		pendingSync:  pendingSync,
		clock:        c,
		metrics:      metrics,
	}
}

// Tick signs or commits the best next block candidate, or proposes a new
// block when there is none, then cleans up the pending store.
func (m *Manager) Tick(sc *types.SyncContext) error {
	now := m.clock.Now()
	pbs, err := NewPendingBlocks(m.logger, m.cfg, m.cell, m.pendingStore, m.chain, now)
	if err != nil {
		return err
	}
	m.metrics.PendingOperations.Set(float64(pbs.OperationsCount))

	last, err := m.chain.GetLastBlock()
	if err != nil {
		return err
	}
	if last == nil {
		return fmt.Errorf("%w: local chain is empty", ErrOutOfSync)
	}

	var next *PendingBlock
	if candidates := pbs.PotentialNextBlocks(); len(candidates) > 0 {
		next = candidates[0]
	} else {
		next, err = m.maybePropose(sc, pbs, last, now)
		if err != nil {
			return err
		}
	}

	if next != nil {
		if !next.HasMySignature && !next.HasMyRefusal {
			if _, err := m.decide(sc, pbs, next, last); err != nil {
				return err
			}
		}
		if next.HasMySignature {
			committed, err := m.maybeCommit(sc, next)
			if err != nil {
				return err
			}
			if committed != nil {
				last = committed
			}
		}
	}

	return m.cleanup(pbs, last, now)
}

// IsNodeCommitTurn reports whether the local node may propose a block at
// the given time. Time is split in epochs of CommitMaximumInterval, given in
// turn to each chain node sorted by ID.
func (m *Manager) IsNodeCommitTurn(now time.Time) (bool, error) {
	nodes := m.cell.ChainNodeIDs()
	index := -1
	for i, id := range nodes {
		if id == m.cell.LocalNodeID() {
			index = i
			break
		}
	}
	if index < 0 {
		return false, ErrMyNodeNotFound
	}

	epoch := now.UnixNano() / int64(m.cfg.CommitMaximumInterval)
	return epoch%int64(len(nodes)) == int64(index), nil
}

//-----------------------------------------------------------------------------
// Signing

func (m *Manager) decide(sc *types.SyncContext, pbs *PendingBlocks, pb *PendingBlock, last *types.Block) (Decision, error) {
	decision, reason := m.validateProposal(pbs, pb, last)
	m.metrics.Decisions.With("decision", decision.String()).Add(1)

	switch decision {
	case DecisionSigned:
		sig := m.cell.Key().Sign(pb.Proposal.SignBytes())
		op := types.NewBlockSignOperation(m.nextOperationID(), pb.GroupID, m.cell.LocalNodeID(), sig)
		if err := m.submit(sc, op); err != nil {
			return decision, err
		}
		pb.addSignature(PendingBlockSignature{OperationID: op.ID, NodeID: op.NodeID, Signature: sig}, op.NodeID)
		m.logger.Debug("signed block proposal", "group", pb.GroupID, "offset", pb.Proposal.Offset())

	case DecisionRefused:
		op := types.NewBlockRefuseOperation(m.nextOperationID(), pb.GroupID, m.cell.LocalNodeID())
		if err := m.submit(sc, op); err != nil {
			return decision, err
		}
		pb.addRefusal(PendingBlockRefusal{OperationID: op.ID, NodeID: op.NodeID}, op.NodeID)
		m.logger.Info("refused block proposal", "group", pb.GroupID, "reason", reason)

	case DecisionAbstained:
		m.logger.Debug("abstaining from block proposal", "group", pb.GroupID, "reason", reason)
	}
	return decision, nil
}

// validateProposal checks a proposal against the local chain and pending
// store. The reason explains refusals and abstentions.
func (m *Manager) validateProposal(pbs *PendingBlocks, pb *PendingBlock, last *types.Block) (Decision, string) {
	proposal := pb.Proposal
	header := proposal.Header

	if err := proposal.ValidateBasic(); err != nil {
		return DecisionRefused, err.Error()
	}
	if !m.cell.IsChainNode(header.ProposedNodeID) {
		return DecisionRefused, fmt.Sprintf("proposer %s is not a chain node", header.ProposedNodeID)
	}
	if header.ProposedOperationID != pb.GroupID {
		return DecisionRefused, "proposal operation id doesn't match its group"
	}

	switch {
	case header.Offset > last.NextOffset() || header.Height > last.Height()+1:
		return DecisionAbstained, "local chain is behind the proposal"
	case header.Offset != last.NextOffset() || header.Height != last.Height()+1:
		return DecisionRefused, fmt.Sprintf("proposal at offset %d doesn't follow the local chain", header.Offset)
	case !bytes.Equal(header.PreviousHash, last.Hash()) || header.PreviousOffset != last.Offset():
		return DecisionRefused, "previous block doesn't match the local chain"
	}
	if header.SignaturesSize < types.SignaturesCapacity(m.cell.ChainNodeIDs()) {
		return DecisionRefused, "signatures frame can't hold a signature from every chain node"
	}

	ops := make([]*types.Operation, 0, len(header.OperationIDs))
	seen := make(map[types.OperationID]bool, len(header.OperationIDs))
	for _, id := range header.OperationIDs {
		if seen[id] {
			return DecisionRefused, fmt.Sprintf("operation %d is claimed twice", id)
		}
		seen[id] = true

		entry, ok := pbs.Entries[id]
		if !ok {
			// only entries are snapshotted, other stored operations can't be claimed
			stored, err := m.pendingStore.GetOperation(id)
			if err == nil && stored != nil && stored.Operation.Type != types.OperationTypeEntry {
				return DecisionRefused, fmt.Sprintf("operation %d of type %v is not an entry", id, stored.Operation.Type)
			}
			return DecisionAbstained, fmt.Sprintf("operation %d is not in the pending store", id)
		}
		if entry.CommitStatus.Committed {
			return DecisionRefused, fmt.Sprintf("operation %d is already committed at offset %d",
				id, entry.CommitStatus.Offset)
		}
		ops = append(ops, entry.Operation)
	}

	expected, err := types.NewBlockProposal(last, pb.GroupID, header.ProposedNodeID, ops, nil)
	if err != nil {
		return DecisionRefused, err.Error()
	}
	if !bytes.Equal(expected.Header.OperationsHash, header.OperationsHash) {
		return DecisionRefused, "operations hash doesn't match the local operations"
	}
	return DecisionSigned, ""
}

//-----------------------------------------------------------------------------
// Committing

// validSignatures returns the signatures of distinct chain nodes that
// verify against the proposal.
func (m *Manager) validSignatures(pb *PendingBlock) []types.BlockSignature {
	var sigs []types.BlockSignature
	for _, sig := range pb.Signatures {
		node, ok := m.cell.Node(sig.NodeID)
		if !ok || !node.HasRole(types.RoleChain) {
			continue
		}
		if !pb.Proposal.VerifySignature(node.PublicKey, sig.Signature) {
			m.logger.Info("ignoring invalid block signature", "group", pb.GroupID, "node", sig.NodeID)
			continue
		}
		sigs = append(sigs, types.BlockSignature{NodeID: sig.NodeID, Signature: sig.Signature})
	}
	return sigs
}

// maybeCommit writes the proposal to the chain if a quorum signed it, and
// returns the written block.
func (m *Manager) maybeCommit(sc *types.SyncContext, pb *PendingBlock) (*types.Block, error) {
	sigs := m.validSignatures(pb)
	if !m.cell.IsQuorum(len(sigs)) {
		return nil, nil
	}

	block := &types.Block{
		Header:         pb.Proposal.Header,
		OperationsData: pb.Proposal.OperationsData,
	}
	if err := block.SetSignatures(sigs); err != nil {
		return nil, err
	}

	if _, err := m.chain.WriteBlock(block); err != nil {
		var invalid *store.InvalidNextBlockError
		if errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: %v", ErrOutOfSync, err)
		}
		return nil, err
	}

	status := pending.NewCommittedStatus(block.Offset(), block.Height())
	for _, id := range block.Header.OperationIDs {
		if err := m.pendingStore.UpdateOperationCommitStatus(id, status); err != nil {
			return nil, err
		}
	}
	pb.Status = BlockStatusPastCommitted
	pb.CommittedHeight = block.Height()

	sc.PushEvent(types.EventNewChainBlock, block.Offset())
	m.metrics.CommittedBlocks.Add(1)
	m.metrics.CommittedEntries.Add(float64(len(block.Header.OperationIDs)))
	m.logger.Info("committed block", "offset", block.Offset(), "height", block.Height(),
		"entries", len(block.Header.OperationIDs), "signatures", len(sigs))
	return block, nil
}

//-----------------------------------------------------------------------------
// Proposing

// maybePropose creates a proposal from the uncommitted entries when it's the
// local node's turn and enough entries or time accumulated since the last
// block.
func (m *Manager) maybePropose(sc *types.SyncContext, pbs *PendingBlocks, last *types.Block, now time.Time) (*PendingBlock, error) {
	turn, err := m.IsNodeCommitTurn(now)
	if err != nil || !turn {
		return nil, err
	}

	entries := pbs.UncommittedEntries()
	if len(entries) == 0 {
		return nil, nil
	}
	sinceLast := now.Sub(last.Header.ProposedOperationID.Time())
	if len(entries) < m.cfg.CommitMaximumPendingStoreCount && sinceLast < m.cfg.CommitMaximumInterval {
		return nil, nil
	}

	id := m.nextOperationID()
	proposal, err := types.NewBlockProposal(last, id, m.cell.LocalNodeID(), entries, m.cell.ChainNodeIDs())
	if err != nil {
		return nil, err
	}
	op, err := types.NewBlockProposeOperation(id, m.cell.LocalNodeID(), proposal)
	if err != nil {
		return nil, err
	}
	if err := m.submit(sc, op); err != nil {
		return nil, err
	}

	pb := &PendingBlock{
		GroupID:           id,
		Proposal:          proposal,
		ProposalOperation: op,
		Operations:        proposal.Header.OperationIDs,
		Status:            BlockStatusNextPotential,
		operationIDs:      []types.OperationID{id},
	}
	pbs.add(pb)

	m.metrics.Proposals.Add(1)
	m.logger.Info("proposed block", "group", id, "offset", proposal.Offset(),
		"height", proposal.Height(), "entries", len(entries))
	return pb, nil
}

//-----------------------------------------------------------------------------
// Cleanup

// cleanup removes from the pending store the proposals that are deep enough
// in the chain, along with the entries of the committed ones and entries
// committed through blocks downloaded from peers.
func (m *Manager) cleanup(pbs *PendingBlocks, last *types.Block, now time.Time) error {
	depth := m.cfg.OperationsCleanupAfterBlockDepth
	isDeep := func(height uint64) bool {
		return height <= last.Height() && last.Height()-height >= depth
	}

	var toDelete []types.OperationID
	for _, pb := range pbs.Blocks {
		done := pb.Status == BlockStatusPastCommitted || pb.Status == BlockStatusPastRefused
		if !done || !isDeep(pb.height()) {
			continue
		}
		toDelete = append(toDelete, pb.operationIDs...)
		if pb.Status == BlockStatusPastCommitted {
			toDelete = append(toDelete, pb.Operations...)
		}
	}

	// entries no proposal accounts for, such as those of blocks downloaded
	// from a leader whose proposal never reached this node; entries of a
	// refused proposal get here once the proposal is gone
	for id, entry := range pbs.Entries {
		if len(entry.Proposals) > 0 {
			continue
		}
		if entry.CommitStatus.Committed && isDeep(entry.CommitStatus.Height) {
			toDelete = append(toDelete, id)
		}
	}

	for _, orphan := range pbs.Orphans {
		if now.Sub(orphan.GroupID.Time()) > m.cfg.BlockProposalTimeout {
			toDelete = append(toDelete, orphan.operationIDs...)
		}
	}

	for _, id := range toDelete {
		if err := m.pendingStore.DeleteOperation(id); err != nil {
			return err
		}
	}
	if len(toDelete) > 0 {
		m.metrics.CleanedOperations.Add(float64(len(toDelete)))
		m.logger.Debug("cleaned up pending store", "operations", len(toDelete), "tip_height", last.Height())
	}
	return nil
}

//-----------------------------------------------------------------------------

func (m *Manager) nextOperationID() types.OperationID {
	return types.OperationID(m.clock.ConsistentTimestamp(m.cell.NodeSeed(m.cell.LocalNodeID())))
}

func (m *Manager) submit(sc *types.SyncContext, op *types.Operation) error {
	if err := op.Sign(m.cell.Key()); err != nil {
		return err
	}
	return m.pendingSync.HandleNewOperation(sc, op)
}
