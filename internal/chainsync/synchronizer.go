package chainsync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/store"
	"github.com/cellchain/cellchain/libs/clock"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

// Status is the state of the local chain relative to the cell.
type Status int

const (
	StatusUnknown Status = iota
	StatusDownloading
	StatusSynchronized
)

func (s Status) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

/*
Synchronizer keeps the local chain in line with the chain nodes of the cell.

Every tick it asks each peer for the headers of its chain to find the last
block in common, elects as leader the peer with the tallest chain and
downloads the blocks the local chain misses from it. The node is
Synchronized once it holds every block of the leader, or when it is the
leader itself.

The synchronizer is not safe for concurrent use: ticks and message handlers
must be called from a single goroutine.
*/
type Synchronizer struct {
	logger  log.Logger
	cfg     *config.ChainSyncConfig
	cell    *types.Cell
	store   store.ChainStore
	clock   *clock.Clock
	metrics *Metrics

	status Status
	leader types.NodeID
	nodes  map[types.NodeID]*NodeSyncInfo
}

// NewSynchronizer returns a synchronizer in the Unknown status.
func NewSynchronizer(
	logger log.Logger,
	cfg *config.ChainSyncConfig,
	cell *types.Cell,
	chain store.ChainStore,
	c *clock.Clock,
	metrics *Metrics,
) *Synchronizer {
	return &Synchronizer{
		logger:  logger.With("module", "chainsync"),
		cfg:     cfg,
		cell:    cell,
		store:   chain,
		clock:   c,
		metrics: metrics,
		nodes:   make(map[types.NodeID]*NodeSyncInfo),
	}
}

// Status returns the synchronizer status.
func (s *Synchronizer) Status() Status {
	return s.status
}

// Leader returns the elected leader, empty if there is none.
func (s *Synchronizer) Leader() types.NodeID {
	return s.leader
}

// NodeInfo returns what is known about a peer.
func (s *Synchronizer) NodeInfo(id types.NodeID) (*NodeSyncInfo, bool) {
	info, ok := s.nodes[id]
	return info, ok
}

// Reset drops the leader and goes back to the Unknown status. It is used
// when another component found the local chain out of sync.
func (s *Synchronizer) Reset() {
	s.demote("reset")
}

// Tick runs one round of discovery, leader election and download.
func (s *Synchronizer) Tick(sc *types.SyncContext) error {
	synced, total := s.checkNodesStatus()
	hasQuorum := s.cell.IsQuorum(synced)
	s.metrics.SyncedNodes.Set(float64(synced))

	if s.status == StatusSynchronized && !hasQuorum {
		s.demote("lost metadata quorum", "synced", synced, "total", total)
	}

	switch s.status {
	case StatusSynchronized:
		if reason, err := s.checkLeader(); err != nil {
			return err
		} else if reason != "" {
			s.demote(reason)
		}
	case StatusDownloading:
		// a downloading node keeps its leader only while it answers
		if s.leader != "" && s.leader != s.cell.LocalNodeID() &&
			s.nodes[s.leader].Status() != NodeStatusSynchronized {
			s.demote("leader lost sync", "leader", s.leader)
		}
	}

	if s.status != StatusSynchronized && hasQuorum {
		if err := s.startSync(sc); err != nil {
			return err
		}
	}

	s.sendMetadataRequests(sc)
	return nil
}

// checkNodesStatus refreshes the peers' statuses and returns the number of
// chain nodes with fresh metadata, the local one included, and the number of
// chain nodes.
func (s *Synchronizer) checkNodesStatus() (synced, total int) {
	synced = 1
	peers := s.cell.PeerChainNodes()
	for _, peer := range peers {
		if s.nodeInfo(peer.ID).CheckStatus() == NodeStatusSynchronized {
			synced++
		}
	}
	return synced, len(peers) + 1
}

// checkLeader returns why the current leader can't be followed anymore, or
// an empty string if it still can.
func (s *Synchronizer) checkLeader() (string, error) {
	if s.leader == "" {
		return "no leader", nil
	}

	if s.leader != s.cell.LocalNodeID() {
		leader := s.nodes[s.leader]
		if leader.Status() != NodeStatusSynchronized {
			return "leader lost sync", nil
		}
		if leader.CommonBlocksHeightDelta() > s.cfg.MaxLeaderCommonBlockHeightDelta {
			return "too far behind leader", nil
		}
		return "", nil
	}

	// leading ourselves, until a peer moved too far ahead
	last, err := s.store.GetLastBlock()
	if err != nil {
		return "", err
	}
	if last == nil {
		return "local chain is empty", nil
	}
	for _, info := range s.nodes {
		if info.Status() != NodeStatusSynchronized || info.LastKnownBlock == nil {
			continue
		}
		if info.LastKnownBlock.Height > last.Height()+s.cfg.MaxLeaderCommonBlockHeightDelta {
			return "peer moved ahead of the local chain", nil
		}
	}
	return "", nil
}

func (s *Synchronizer) startSync(sc *types.SyncContext) error {
	nonDivergent := 1
	for _, peer := range s.cell.PeerChainNodes() {
		divergent, err := s.nodeInfo(peer.ID).IsDivergent(s.store)
		if err != nil {
			return err
		}
		if !divergent {
			nonDivergent++
		}
	}
	if !s.cell.IsQuorum(nonDivergent) {
		sc.PushEvent(types.EventChainDiverged, 0)
		return fmt.Errorf("%w: %d of %d chain nodes share a block with the local chain",
			ErrDiverged, nonDivergent, len(s.cell.ChainNodes()))
	}

	if s.leader == "" {
		leader, err := s.electLeader()
		if err != nil || leader == "" {
			return err
		}
		s.leader = leader
		s.metrics.LeaderElections.Add(1)
		s.logger.Info("elected leader", "leader", leader, "self", leader == s.cell.LocalNodeID())
	}

	if s.leader == s.cell.LocalNodeID() {
		s.setStatus(StatusSynchronized)
		return nil
	}

	leader := s.nodes[s.leader]
	if leader.ChainFullyDownloaded() {
		s.setStatus(StatusSynchronized)
		return nil
	}
	if leader.LastCommonBlock == nil {
		s.logger.Info("leader has no block in common with the local chain", "leader", s.leader)
		s.leader = ""
		return nil
	}
	if !leader.Tracker.CanSendRequest() {
		return nil
	}

	if err := s.truncateAfter(*leader.LastCommonBlock); err != nil {
		return err
	}
	s.sendBlocksRequest(sc, leader)
	s.setStatus(StatusDownloading)
	return nil
}

// electLeader picks the synchronized peer with the tallest chain, ties going
// to the lowest node ID. The local node leads if its chain is strictly
// taller, or if no peer qualifies and the local chain has blocks. No leader
// is elected while a synchronized peer is still looking for its common block.
func (s *Synchronizer) electLeader() (types.NodeID, error) {
	var best *NodeSyncInfo
	// chain nodes are sorted by ID
	for _, peer := range s.cell.PeerChainNodes() {
		info := s.nodes[peer.ID]
		if info.Status() != NodeStatusSynchronized {
			continue
		}
		if !info.LastCommonIsKnown {
			return "", nil
		}
		if info.LastKnownBlock == nil {
			continue
		}
		if best == nil || info.LastKnownBlock.Height > best.LastKnownBlock.Height {
			best = info
		}
	}

	last, err := s.store.GetLastBlock()
	if err != nil {
		return "", err
	}
	switch {
	case best == nil && last == nil:
		return "", ErrUninitializedChain
	case best == nil:
		return s.cell.LocalNodeID(), nil
	case last != nil && last.Height() > best.LastKnownBlock.Height:
		return s.cell.LocalNodeID(), nil
	default:
		return best.NodeID, nil
	}
}

// truncateAfter removes the local blocks following common.
func (s *Synchronizer) truncateAfter(common types.BlockMetadata) error {
	last, err := s.store.GetLastBlock()
	if err != nil {
		return err
	}
	if last == nil || last.Offset() <= common.Offset {
		return nil
	}

	from := common.NextOffset()
	s.logger.Info("truncating local chain diverging from leader",
		"leader", s.leader, "from_offset", from, "local_offset", last.Offset())
	if err := s.store.TruncateFrom(from); err != nil {
		return &FatalError{Reason: "truncating local chain", Err: err}
	}
	for _, info := range s.nodes {
		info.forgetCommonFrom(from)
	}
	return nil
}

func (s *Synchronizer) sendBlocksRequest(sc *types.SyncContext, leader *NodeSyncInfo) {
	req := &types.SyncRequest{
		FromOffset:       leader.LastCommonBlock.NextOffset(),
		RequestedDetails: types.RequestedBlocks,
	}
	if leader.LastKnownBlock != nil {
		req.ToOffset = leader.LastKnownBlock.Offset
	}
	sc.PushRequest(leader.NodeID, req)
	leader.Tracker.SetLastSendNow()
	s.logger.Debug("requesting blocks", "leader", leader.NodeID, "from", req.FromOffset, "to", req.ToOffset)
}

func (s *Synchronizer) sendMetadataRequests(sc *types.SyncContext) {
	for _, peer := range s.cell.PeerChainNodes() {
		info := s.nodeInfo(peer.ID)
		if !info.Tracker.CanSendRequest() {
			continue
		}

		var from uint64
		if info.LastCommonIsKnown && info.LastCommonBlock != nil {
			from = info.LastCommonBlock.Offset
		}
		sc.PushRequest(peer.ID, &types.SyncRequest{
			FromOffset:       from,
			RequestedDetails: types.RequestedHeaders,
		})
		info.Tracker.SetLastSendNow()
	}
}

func (s *Synchronizer) setStatus(status Status) {
	if s.status == status {
		return
	}
	s.logger.Info("synchronizer status changed", "from", s.status, "to", status, "leader", s.leader)
	s.status = status
	s.metrics.Status.Set(float64(status))
}

func (s *Synchronizer) demote(reason string, keyvals ...interface{}) {
	if s.status == StatusSynchronized {
		s.metrics.Demotions.Add(1)
	}
	s.logger.Info("resetting synchronization", append([]interface{}{"reason", reason}, keyvals...)...)
	s.leader = ""
	s.setStatus(StatusUnknown)
	for _, info := range s.nodes {
		info.Tracker.Reset()
	}
}

func (s *Synchronizer) nodeInfo(id types.NodeID) *NodeSyncInfo {
	info, ok := s.nodes[id]
	if !ok {
		info = newNodeSyncInfo(id, s.clock, NewRequestTracker(s.clock, s.cfg), s.cfg.MetadataSyncFreshness)
		s.nodes[id] = info
	}
	return info
}

//-----------------------------------------------------------------------------
// Requests

// HandleSyncRequest answers a peer's request.
func (s *Synchronizer) HandleSyncRequest(sc *types.SyncContext, from types.NodeID, req *types.SyncRequest) error {
	if req.ToOffset != 0 && req.ToOffset < req.FromOffset {
		return fmt.Errorf("%w: range [%d, %d]", ErrInvalidRequest, req.FromOffset, req.ToOffset)
	}

	resp := &types.SyncResponse{
		FromOffset: req.FromOffset,
		ToOffset:   req.ToOffset,
		Details:    req.RequestedDetails,
	}
	var err error
	switch req.RequestedDetails {
	case types.RequestedHeaders:
		resp.Headers, err = s.collectHeaders(req.FromOffset, req.ToOffset)
	case types.RequestedBlocks:
		resp.Blocks, err = s.collectBlocks(req.FromOffset, req.ToOffset)
	default:
		return fmt.Errorf("%w: unknown details %d", ErrInvalidRequest, req.RequestedDetails)
	}
	if err != nil {
		return err
	}

	sc.PushResponse(from, resp)
	return nil
}

// collectHeaders returns the metadata of the blocks in [from, to]. Large
// ranges are sampled: the first and last blocks are kept along with evenly
// spaced blocks of the middle, and the requester narrows the range down.
func (s *Synchronizer) collectHeaders(from, to uint64) ([]types.BlockMetadata, error) {
	iter, err := s.store.BlocksIterator(from)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var headers []types.BlockMetadata
	for ; iter.Valid(); iter.Next() {
		block, err := iter.Block()
		if err != nil {
			return nil, err
		}
		if to != 0 && block.Offset() > to {
			break
		}
		headers = append(headers, types.NewBlockMetadata(block))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return sampleHeaders(headers, s.cfg.HeadersSyncBeginCount, s.cfg.HeadersSyncEndCount, s.cfg.HeadersSyncSampledCount), nil
}

func sampleHeaders(headers []types.BlockMetadata, begin, end, sampled uint64) []types.BlockMetadata {
	total := uint64(len(headers))
	if total <= begin+end+sampled {
		return headers
	}

	out := make([]types.BlockMetadata, 0, begin+end+sampled)
	out = append(out, headers[:begin]...)

	middle := headers[begin : total-end]
	if sampled > 0 {
		step := float64(len(middle)) / float64(sampled)
		for i := uint64(0); i < sampled; i++ {
			out = append(out, middle[int(float64(i)*step)])
		}
	}
	return append(out, headers[total-end:]...)
}

// collectBlocks returns the encoded blocks of [from, to], stopping before
// BlocksMaxSendSize is exceeded. The first block is always included.
func (s *Synchronizer) collectBlocks(from, to uint64) ([][]byte, error) {
	iter, err := s.store.BlocksIterator(from)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var (
		blocks [][]byte
		size   uint64
	)
	for ; iter.Valid(); iter.Next() {
		block, err := iter.Block()
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 && block.Offset() != from {
			// the requester expects a block boundary we don't have
			return nil, nil
		}
		if to != 0 && block.Offset() > to {
			break
		}
		bz, err := block.Bytes()
		if err != nil {
			return nil, err
		}
		if len(blocks) > 0 && size+uint64(len(bz)) > s.cfg.BlocksMaxSendSize {
			break
		}
		blocks = append(blocks, bz)
		size += uint64(len(bz))
	}
	return blocks, iter.Error()
}

//-----------------------------------------------------------------------------
// Responses

// HandleSyncResponse processes a peer's answer to one of our requests.
func (s *Synchronizer) HandleSyncResponse(sc *types.SyncContext, from types.NodeID, resp *types.SyncResponse) error {
	if !s.cell.IsChainNode(from) || from == s.cell.LocalNodeID() {
		s.logger.Info("ignoring sync response from a node that is not a chain peer", "from", from)
		return nil
	}
	info := s.nodeInfo(from)
	info.Tracker.SetLastRespondedNow()

	switch resp.Details {
	case types.RequestedHeaders:
		return s.handleMetadataResponse(sc, info, resp)
	case types.RequestedBlocks:
		return s.handleBlocksResponse(sc, info, resp)
	default:
		s.logger.Info("ignoring sync response with unknown details", "from", from, "details", resp.Details)
		return nil
	}
}

func (s *Synchronizer) handleMetadataResponse(sc *types.SyncContext, info *NodeSyncInfo, resp *types.SyncResponse) error {
	var (
		hasNewCommon   bool
		contiguous     = true
		firstNonCommon *types.BlockMetadata
	)
	for i := range resp.Headers {
		header := resp.Headers[i]
		if i > 0 && header.Height != resp.Headers[i-1].Height+1 {
			contiguous = false
		}

		if firstNonCommon == nil {
			local, err := s.store.GetBlock(header.Offset)
			switch {
			case errors.Is(err, store.ErrBlockNotFound):
				firstNonCommon = &header
			case err != nil:
				return err
			case bytes.Equal(local.Hash(), header.BlockHash):
				if info.SetLastCommonBlock(header) {
					hasNewCommon = true
				}
			default:
				firstNonCommon = &header
			}
		}
		info.SetLastKnownBlock(header)
	}

	if hasNewCommon && !contiguous && firstNonCommon != nil {
		// a higher common block may hide between the samples
		sc.PushRequest(info.NodeID, &types.SyncRequest{
			FromOffset:       info.LastCommonBlock.Offset,
			ToOffset:         firstNonCommon.Offset,
			RequestedDetails: types.RequestedHeaders,
		})
		info.Tracker.SetLastSendNow()
		return nil
	}

	if !info.LastCommonIsKnown {
		info.LastCommonIsKnown = true
		info.Tracker.ForceNextRequest()
		s.logger.Debug("found last common block", "peer", info.NodeID, "common", info.LastCommonBlock,
			"known", info.LastKnownBlock)
	}
	return nil
}

func (s *Synchronizer) handleBlocksResponse(sc *types.SyncContext, info *NodeSyncInfo, resp *types.SyncResponse) error {
	if info.NodeID != s.leader {
		s.logger.Info("ignoring blocks from a node that is not the leader", "from", info.NodeID, "leader", s.leader)
		return nil
	}
	if len(resp.Blocks) == 0 {
		return nil
	}

	last, err := s.store.GetLastBlock()
	if err != nil {
		return err
	}
	if last == nil {
		return ErrUninitializedChain
	}

	var applied *types.Block
	for _, bz := range resp.Blocks {
		block, err := types.DecodeBlock(bz)
		if err != nil {
			s.logger.Info("ignoring malformed block from leader", "from", info.NodeID, "err", err)
			break
		}

		expected := last.NextOffset()
		if block.Offset() < expected {
			local, err := s.store.GetBlock(block.Offset())
			if err == nil && bytes.Equal(local.Hash(), block.Hash()) {
				// late duplicate of a block we already hold
				applied = local
				continue
			}
			return &FatalError{Reason: fmt.Sprintf("leader block at offset %d conflicts with the local chain", block.Offset())}
		}
		if block.Offset() != expected {
			return &FatalError{Reason: fmt.Sprintf("leader sent block at offset %d, expected %d", block.Offset(), expected)}
		}
		if err := block.ValidateBasic(); err != nil {
			return &FatalError{Reason: fmt.Sprintf("invalid leader block at offset %d", block.Offset()), Err: err}
		}
		if !bytes.Equal(block.Header.PreviousHash, last.Hash()) || block.Height() != last.Height()+1 {
			return &FatalError{Reason: fmt.Sprintf("leader block at offset %d doesn't follow the local chain", block.Offset())}
		}

		if _, err := s.store.WriteBlock(block); err != nil {
			return &FatalError{Reason: "writing leader block", Err: err}
		}
		sc.PushEvent(types.EventNewChainBlock, block.Offset())
		s.metrics.BlocksDownloaded.Add(1)
		last, applied = block, block
	}
	if applied == nil {
		return nil
	}

	info.SetLastCommonBlock(types.NewBlockMetadata(applied))
	if info.LastKnownBlock == nil || info.LastCommonBlock.Offset >= info.LastKnownBlock.Offset {
		s.setStatus(StatusSynchronized)
		return nil
	}
	s.sendBlocksRequest(sc, info)
	return nil
}
