package chainsync

import (
	"fmt"
	"time"

	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/types"
)

// NodeStatus is the freshness of what we know about a peer's chain.
type NodeStatus int

const (
	NodeStatusUnknown NodeStatus = iota
	NodeStatusSynchronized
)

func (s NodeStatus) String() string {
	if s == NodeStatusSynchronized {
		return "synchronized"
	}
	return "unknown"
}

// NodeSyncInfo is what the synchronizer knows about the chain of a peer.
type NodeSyncInfo struct {
	NodeID types.NodeID

	// Highest block known to be identical on both chains. Only moves forward.
	LastCommonBlock *types.BlockMetadata
	// Highest block the peer reported.
	LastKnownBlock *types.BlockMetadata
	// Set once a headers exchange concluded where the common block is.
	LastCommonIsKnown bool

	Tracker *RequestTracker

	clock     *clock.Clock
	freshness time.Duration
	status    NodeStatus
}

func newNodeSyncInfo(id types.NodeID, c *clock.Clock, tracker *RequestTracker, freshness time.Duration) *NodeSyncInfo {
	return &NodeSyncInfo{
		NodeID:    id,
		Tracker:   tracker,
		clock:     c,
		freshness: freshness,
	}
}

// Status returns the status computed by the last CheckStatus.
func (n *NodeSyncInfo) Status() NodeStatus {
	return n.status
}

// CheckStatus refreshes the status: a peer is synchronized while it answered
// within the freshness window. A stale peer must conclude a new headers
// exchange before its common block is trusted again.
func (n *NodeSyncInfo) CheckStatus() NodeStatus {
	last := n.Tracker.LastResponded()
	if !last.IsZero() && n.clock.Since(last) <= n.freshness {
		n.status = NodeStatusSynchronized
	} else {
		if n.status == NodeStatusSynchronized {
			n.LastCommonIsKnown = false
		}
		n.status = NodeStatusUnknown
	}
	return n.status
}

// IsDivergent is true when the headers exchange concluded without finding any
// common block while the local chain has blocks.
func (n *NodeSyncInfo) IsDivergent(chain store.ChainStore) (bool, error) {
	if !n.LastCommonIsKnown || n.LastCommonBlock != nil {
		return false, nil
	}
	last, err := chain.GetLastBlock()
	if err != nil {
		return false, err
	}
	return last != nil, nil
}

// ChainFullyDownloaded is true when we hold every block the peer reported.
func (n *NodeSyncInfo) ChainFullyDownloaded() bool {
	return n.LastCommonBlock != nil && n.LastKnownBlock != nil &&
		n.LastCommonBlock.Equal(*n.LastKnownBlock)
}

// CommonBlocksHeightDelta returns how many blocks the peer has beyond the
// last common one.
func (n *NodeSyncInfo) CommonBlocksHeightDelta() uint64 {
	if n.LastCommonBlock == nil || n.LastKnownBlock == nil ||
		n.LastKnownBlock.Height < n.LastCommonBlock.Height {
		return 0
	}
	return n.LastKnownBlock.Height - n.LastCommonBlock.Height
}

// SetLastCommonBlock records a common block unless a higher one is known.
func (n *NodeSyncInfo) SetLastCommonBlock(bm types.BlockMetadata) bool {
	if n.LastCommonBlock != nil && bm.Offset <= n.LastCommonBlock.Offset {
		return false
	}
	n.LastCommonBlock = &bm
	if n.LastKnownBlock == nil || bm.Offset > n.LastKnownBlock.Offset {
		n.LastKnownBlock = &bm
	}
	return true
}

// SetLastKnownBlock records a block of the peer unless a higher one is known.
func (n *NodeSyncInfo) SetLastKnownBlock(bm types.BlockMetadata) {
	if n.LastKnownBlock != nil && bm.Offset <= n.LastKnownBlock.Offset {
		return
	}
	n.LastKnownBlock = &bm
}

// forgetCommonFrom drops the common block if the local chain no longer holds
// it, which only happens when the local chain gets truncated.
func (n *NodeSyncInfo) forgetCommonFrom(offset uint64) {
	if n.LastCommonBlock != nil && n.LastCommonBlock.Offset >= offset {
		n.LastCommonBlock = nil
		n.LastCommonIsKnown = false
	}
}

func (n *NodeSyncInfo) String() string {
	return fmt.Sprintf("NodeSyncInfo{%s %v common:%v known:%v}",
		n.NodeID.Short(), n.status, n.LastCommonBlock, n.LastKnownBlock)
}
