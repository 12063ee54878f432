package chainsync

import (
	"testing"

	"github.com/go-kit/kit/metrics/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellchain/cellchain/types"
)

// countDemotions swaps the synchronizer's demotions counter for one the test
// can read.
func countDemotions(s *Synchronizer) *generic.Counter {
	counter := generic.NewCounter("demotions")
	m := NopMetrics()
	m.Demotions = counter
	s.metrics = m
	return counter
}

func TestCheckLeader(t *testing.T) {
	metadata := func(height uint64) *types.BlockMetadata {
		return &types.BlockMetadata{Offset: height * 100, Height: height}
	}

	testCases := []struct {
		name   string
		setup  func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64)
		reason string
	}{
		{
			"no leader",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {},
			"no leader",
		},
		{
			"leader synchronized",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) { s.leader = peer },
			"",
		},
		{
			"leader lost sync",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = peer
				s.nodes[peer].status = NodeStatusUnknown
			},
			"leader lost sync",
		},
		{
			"leader within height delta",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = peer
				s.nodes[peer].LastCommonBlock = metadata(0)
				s.nodes[peer].LastKnownBlock = metadata(maxDelta)
			},
			"",
		},
		{
			"leader too far ahead",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = peer
				s.nodes[peer].LastCommonBlock = metadata(0)
				s.nodes[peer].LastKnownBlock = metadata(maxDelta + 1)
			},
			"too far behind leader",
		},
		{
			"self leader",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) { s.leader = self },
			"",
		},
		{
			"self leader with peer within height delta",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = self
				s.nodes[peer].LastKnownBlock = metadata(maxDelta)
			},
			"",
		},
		{
			"self leader with peer moved ahead",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = self
				s.nodes[peer].LastKnownBlock = metadata(maxDelta + 1)
			},
			"peer moved ahead of the local chain",
		},
		{
			"self leader ignores stale peers",
			func(s *Synchronizer, self, peer types.NodeID, maxDelta uint64) {
				s.leader = self
				s.nodes[peer].LastKnownBlock = metadata(maxDelta + 1)
				s.nodes[peer].status = NodeStatusUnknown
			},
			"",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			net := newTestNetwork(t, 3)
			a, c := net.nodes[0], net.nodes[2]

			genesis := types.NewBlockMetadata(lastBlock(t, c.store))
			for _, peer := range c.cell.PeerChainNodes() {
				info := c.sync.nodeInfo(peer.ID)
				info.status = NodeStatusSynchronized
				info.SetLastCommonBlock(genesis)
				info.LastCommonIsKnown = true
			}

			tc.setup(c.sync, c.cell.LocalNodeID(), a.cell.LocalNodeID(), net.cfg.MaxLeaderCommonBlockHeightDelta)
			reason, err := c.sync.checkLeader()
			require.NoError(t, err)
			assert.Equal(t, tc.reason, reason)
		})
	}
}

func TestSynchronizedNodeDemotion(t *testing.T) {
	testCases := []struct {
		name string
		// run once every node is synchronized on the genesis block, c
		// following a
		change    func(t *testing.T, net *testNetwork)
		demotions float64
		leader    int
	}{
		{
			name: "leader lost sync",
			change: func(t *testing.T, net *testNetwork) {
				net.down[net.nodes[0].cell.LocalNodeID()] = true
			},
			demotions: 1,
			leader:    1,
		},
		{
			name: "leader too far ahead",
			change: func(t *testing.T, net *testNetwork) {
				a, b := net.nodes[0], net.nodes[1]
				chain := buildBlocks(t, a.cell, lastBlock(t, a.store), int(net.cfg.MaxLeaderCommonBlockHeightDelta)+1, "main")
				writeBlocks(t, a.store, chain)
				writeBlocks(t, b.store, chain)
			},
			demotions: 1,
			leader:    0,
		},
		{
			name: "leader ahead within height delta",
			change: func(t *testing.T, net *testNetwork) {
				a, b := net.nodes[0], net.nodes[1]
				chain := buildBlocks(t, a.cell, lastBlock(t, a.store), int(net.cfg.MaxLeaderCommonBlockHeightDelta), "main")
				writeBlocks(t, a.store, chain)
				writeBlocks(t, b.store, chain)
			},
			demotions: 0,
			leader:    0,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			net := newTestNetwork(t, 3)
			a, c := net.nodes[0], net.nodes[2]
			for i := 0; i < 3; i++ {
				net.tick()
			}
			require.Equal(t, StatusSynchronized, c.sync.Status())
			require.Equal(t, a.cell.LocalNodeID(), c.sync.Leader())

			demotions := countDemotions(c.sync)
			tc.change(t, net)
			// long enough for a silent peer to go stale
			for i := 0; i < 30; i++ {
				net.tick()
			}

			assert.Equal(t, tc.demotions, demotions.Value())
			assert.Equal(t, StatusSynchronized, c.sync.Status())
			assert.Equal(t, net.nodes[tc.leader].cell.LocalNodeID(), c.sync.Leader())
			if tc.demotions > 0 {
				leader := net.nodes[tc.leader]
				assert.Equal(t, lastBlock(t, leader.store).Hash(), lastBlock(t, c.store).Hash())
			} else {
				assert.Equal(t, uint64(0), lastBlock(t, c.store).Height(), "a synchronized node doesn't download")
			}
		})
	}
}

func TestSelfLeaderDemotesWhenPeerMovesAhead(t *testing.T) {
	net := newTestNetwork(t, 3)
	a, b, c := net.nodes[0], net.nodes[1], net.nodes[2]

	// c starts with the tallest chain and leads
	first := buildBlocks(t, c.cell, lastBlock(t, c.store), 1, "first")
	writeBlocks(t, c.store, first)
	for i := 0; i < 5; i++ {
		net.tick()
	}
	require.Equal(t, StatusSynchronized, c.sync.Status())
	require.Equal(t, c.cell.LocalNodeID(), c.sync.Leader())
	require.Equal(t, first[0].Hash(), lastBlock(t, a.store).Hash())

	demotions := countDemotions(c.sync)
	chain := buildBlocks(t, a.cell, first[0], int(net.cfg.MaxLeaderCommonBlockHeightDelta)+1, "main")
	writeBlocks(t, a.store, chain)
	writeBlocks(t, b.store, chain)
	for i := 0; i < 5; i++ {
		net.tick()
	}

	assert.Equal(t, float64(1), demotions.Value())
	assert.Equal(t, StatusSynchronized, c.sync.Status())
	assert.Equal(t, a.cell.LocalNodeID(), c.sync.Leader())
	assert.Equal(t, lastBlock(t, a.store).Hash(), lastBlock(t, c.store).Hash())
}

func TestDownloadingNodeDropsSilentLeader(t *testing.T) {
	net := newTestNetwork(t, 3)
	a, b, c := net.nodes[0], net.nodes[1], net.nodes[2]

	chain := buildBlocks(t, a.cell, lastBlock(t, a.store), 12, "main")
	writeBlocks(t, a.store, chain)
	writeBlocks(t, b.store, chain)
	writeBlocks(t, c.store, chain[:4])

	net.tick()
	net.down[a.cell.LocalNodeID()] = true
	net.tick()
	require.Equal(t, StatusDownloading, c.sync.Status())
	require.Equal(t, a.cell.LocalNodeID(), c.sync.Leader())

	for i := 0; i < 100; i++ {
		net.tick()
	}

	assert.Equal(t, StatusSynchronized, c.sync.Status())
	assert.Equal(t, b.cell.LocalNodeID(), c.sync.Leader())
	assert.Equal(t, lastBlock(t, b.store).Hash(), lastBlock(t, c.store).Hash())
	info, ok := c.sync.NodeInfo(a.cell.LocalNodeID())
	require.True(t, ok)
	assert.Equal(t, NodeStatusUnknown, info.Status())
}

func TestDemotionResetsRequestTrackers(t *testing.T) {
	net := newTestNetwork(t, 3)
	for i := 0; i < 3; i++ {
		net.tick()
	}
	c := net.nodes[2]
	require.Equal(t, StatusSynchronized, c.sync.Status())

	for _, peer := range c.cell.PeerChainNodes() {
		info, ok := c.sync.NodeInfo(peer.ID)
		require.True(t, ok)
		// two unanswered requests
		info.Tracker.SetLastSendNow()
		info.Tracker.SetLastSendNow()
		require.Equal(t, 1, info.Tracker.ResponseFailureCount())
		require.False(t, info.Tracker.CanSendRequest())
	}

	c.sync.Reset()

	assert.Equal(t, StatusUnknown, c.sync.Status())
	assert.Empty(t, c.sync.Leader())
	for _, peer := range c.cell.PeerChainNodes() {
		info, _ := c.sync.NodeInfo(peer.ID)
		assert.Zero(t, info.Tracker.ResponseFailureCount())
		assert.True(t, info.Tracker.LastResponded().IsZero())
		assert.True(t, info.Tracker.CanSendRequest())
	}
}
