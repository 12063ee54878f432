package commit

import (
	"fmt"
	"sort"
	"time"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/pending"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

// BlockStatus classifies a proposal against the local chain.
type BlockStatus int

const (
	// BlockStatusNextPotential proposals may become the next block.
	BlockStatusNextPotential BlockStatus = iota
	// BlockStatusNextExpired proposals target the next block but are too old
	// to be signed.
	BlockStatusNextExpired
	// BlockStatusPastCommitted proposals are in the chain.
	BlockStatusPastCommitted
	// BlockStatusPastRefused proposals target an offset taken by another block.
	BlockStatusPastRefused
)

func (s BlockStatus) String() string {
	switch s {
	case BlockStatusNextPotential:
		return "next_potential"
	case BlockStatusNextExpired:
		return "next_expired"
	case BlockStatusPastCommitted:
		return "past_committed"
	case BlockStatusPastRefused:
		return "past_refused"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}

// PendingBlockSignature is a BlockSign operation of a proposal group.
type PendingBlockSignature struct {
	OperationID types.OperationID
	NodeID      types.NodeID
	Signature   []byte
}

// PendingBlockRefusal is a BlockRefuse operation of a proposal group.
type PendingBlockRefusal struct {
	OperationID types.OperationID
	NodeID      types.NodeID
}

// PendingBlock is a proposal with the signatures and refusals it gathered.
type PendingBlock struct {
	GroupID           types.OperationID
	Proposal          *types.Block
	ProposalOperation *types.Operation
	// entries claimed by the proposal
	Operations     []types.OperationID
	Signatures     []PendingBlockSignature
	Refusals       []PendingBlockRefusal
	HasMySignature bool
	HasMyRefusal   bool
	Status         BlockStatus
	// height of the chain block holding the proposal, if PastCommitted
	CommittedHeight uint64

	// every operation of the group held by the pending store
	operationIDs []types.OperationID
}

func (pb *PendingBlock) addSignature(sig PendingBlockSignature, local types.NodeID) {
	pb.operationIDs = append(pb.operationIDs, sig.OperationID)
	for _, other := range pb.Signatures {
		if other.NodeID == sig.NodeID {
			return
		}
	}
	pb.Signatures = append(pb.Signatures, sig)
	if sig.NodeID == local {
		pb.HasMySignature = true
	}
}

func (pb *PendingBlock) addRefusal(refusal PendingBlockRefusal, local types.NodeID) {
	pb.operationIDs = append(pb.operationIDs, refusal.OperationID)
	for _, other := range pb.Refusals {
		if other.NodeID == refusal.NodeID {
			return
		}
	}
	pb.Refusals = append(pb.Refusals, refusal)
	if refusal.NodeID == local {
		pb.HasMyRefusal = true
	}
}

// height is the height of the block the proposal became, or targeted.
func (pb *PendingBlock) height() uint64 {
	if pb.Status == BlockStatusPastCommitted {
		return pb.CommittedHeight
	}
	return pb.Proposal.Height()
}

func (pb *PendingBlock) String() string {
	return fmt.Sprintf("PendingBlock{%d %v sigs:%d refusals:%d}",
		pb.GroupID, pb.Status, len(pb.Signatures), len(pb.Refusals))
}

// PendingEntry is an entry of the pending store.
type PendingEntry struct {
	Operation *types.Operation
	// Committed if the entry is in the local chain.
	CommitStatus pending.CommitStatus
	// proposals claiming the entry
	Proposals []types.OperationID
}

// PendingBlocks is a snapshot of the pending store classified against the
// local chain. It is rebuilt on every tick and never updated incrementally,
// except for the operations the commit manager creates during the tick.
type PendingBlocks struct {
	Blocks  map[types.OperationID]*PendingBlock
	Entries map[types.OperationID]*PendingEntry
	// groups whose proposal is missing or unreadable
	Orphans map[types.OperationID]*PendingBlock

	OperationsCount int
}

// NewPendingBlocks scans the pending store and classifies every proposal.
func NewPendingBlocks(
	logger log.Logger,
	cfg *config.CommitConfig,
	cell *types.Cell,
	pendingStore pending.Store,
	chain store.ChainStore,
	now time.Time,
) (*PendingBlocks, error) {
	pbs := &PendingBlocks{
		Blocks:  make(map[types.OperationID]*PendingBlock),
		Entries: make(map[types.OperationID]*PendingEntry),
		Orphans: make(map[types.OperationID]*PendingBlock),
	}
	local := cell.LocalNodeID()

	groups := make(map[types.OperationID]*PendingBlock)
	group := func(id types.OperationID) *PendingBlock {
		pb, ok := groups[id]
		if !ok {
			pb = &PendingBlock{GroupID: id}
			groups[id] = pb
		}
		return pb
	}

	iter, err := pendingStore.OperationsIterator(0, 0)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		stored, err := iter.Operation()
		if err != nil {
			return nil, err
		}
		pbs.OperationsCount++
		op := stored.Operation

		switch op.Type {
		case types.OperationTypeEntry:
			pbs.Entries[op.ID] = &PendingEntry{Operation: op, CommitStatus: stored.CommitStatus}

		case types.OperationTypeBlockPropose:
			pb := group(op.GroupID)
			pb.operationIDs = append(pb.operationIDs, op.ID)
			proposal, err := op.Proposal()
			if err != nil {
				logger.Info("ignoring malformed block proposal", "group", op.GroupID, "err", err)
				continue
			}
			pb.Proposal = proposal
			pb.ProposalOperation = op
			pb.Operations = proposal.Header.OperationIDs

		case types.OperationTypeBlockSign:
			group(op.GroupID).addSignature(PendingBlockSignature{
				OperationID: op.ID,
				NodeID:      op.NodeID,
				Signature:   op.Data,
			}, local)

		case types.OperationTypeBlockRefuse:
			group(op.GroupID).addRefusal(PendingBlockRefusal{
				OperationID: op.ID,
				NodeID:      op.NodeID,
			}, local)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	last, err := chain.GetLastBlock()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("%w: local chain is empty", ErrOutOfSync)
	}
	nextOffset := last.NextOffset()

	for id, pb := range groups {
		if pb.Proposal == nil {
			pbs.Orphans[id] = pb
			continue
		}
		if err := pbs.classify(cfg, chain, pb, nextOffset, now); err != nil {
			return nil, err
		}
		pbs.Blocks[id] = pb
	}

	for id, entry := range pbs.Entries {
		if !entry.CommitStatus.Committed {
			block, err := chain.GetBlockByOperationID(id)
			if err != nil {
				return nil, err
			}
			if block != nil {
				entry.CommitStatus = pending.NewCommittedStatus(block.Offset(), block.Height())
			}
		}
	}
	for _, pb := range pbs.Blocks {
		for _, id := range pb.Operations {
			if entry, ok := pbs.Entries[id]; ok {
				entry.Proposals = append(entry.Proposals, pb.GroupID)
			}
		}
	}
	return pbs, nil
}

func (pbs *PendingBlocks) classify(
	cfg *config.CommitConfig,
	chain store.ChainStore,
	pb *PendingBlock,
	nextOffset uint64,
	now time.Time,
) error {
	committed, err := chain.GetBlockByOperationID(pb.GroupID)
	if err != nil {
		return err
	}
	switch {
	case committed != nil && committed.Header.ProposedOperationID == pb.GroupID &&
		committed.Offset() == pb.Proposal.Offset():
		pb.Status = BlockStatusPastCommitted
		pb.CommittedHeight = committed.Height()
	case pb.Proposal.Offset() < nextOffset:
		pb.Status = BlockStatusPastRefused
	case now.Sub(pb.GroupID.Time()) > cfg.BlockProposalTimeout:
		pb.Status = BlockStatusNextExpired
	default:
		pb.Status = BlockStatusNextPotential
	}
	return nil
}

// PotentialNextBlocks returns the proposals that may become the next block,
// the ones signed locally first, then the oldest first.
func (pbs *PendingBlocks) PotentialNextBlocks() []*PendingBlock {
	var blocks []*PendingBlock
	for _, pb := range pbs.Blocks {
		if pb.Status == BlockStatusNextPotential {
			blocks = append(blocks, pb)
		}
	}
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].HasMySignature != blocks[j].HasMySignature {
			return blocks[i].HasMySignature
		}
		return blocks[i].GroupID < blocks[j].GroupID
	})
	return blocks
}

// UncommittedEntries returns the entries not in the local chain, sorted by ID.
func (pbs *PendingBlocks) UncommittedEntries() []*types.Operation {
	var ops []*types.Operation
	for _, entry := range pbs.Entries {
		if !entry.CommitStatus.Committed {
			ops = append(ops, entry.Operation)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

// add inserts a proposal created during the tick.
func (pbs *PendingBlocks) add(pb *PendingBlock) {
	pbs.Blocks[pb.GroupID] = pb
	for _, id := range pb.Operations {
		if entry, ok := pbs.Entries[id]; ok {
			entry.Proposals = append(entry.Proposals, pb.GroupID)
		}
	}
}
