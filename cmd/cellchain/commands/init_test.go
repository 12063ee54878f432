package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/types"
)

func TestInitFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)
	home := t.TempDir()

	conf := clearConfig(t)
	runCmd(ctx, t, conf, "--home", home, "init", "--cell-id", "test_cell", "--address", "tcp://10.0.0.1:26656")

	nodeKey, err := types.LoadNodeKey(conf.NodeKeyFile())
	require.NoError(t, err)
	cellFile, err := types.LoadCellFile(conf.CellFile())
	require.NoError(t, err)
	cell, err := cellFile.Cell(nodeKey)
	require.NoError(t, err)
	assert.Equal(t, "test_cell", cell.ID())
	assert.Equal(t, "tcp://10.0.0.1:26656", cell.LocalNode().Address)
	assert.True(t, cell.IsChainNode(nodeKey.ID))
	assert.FileExists(t, filepath.Join(home, "config", "config.toml"))

	// a second init keeps existing files
	conf = clearConfig(t)
	runCmd(ctx, t, conf, "--home", home, "init", "--cell-id", "other_cell")
	again, err := types.LoadNodeKey(conf.NodeKeyFile())
	require.NoError(t, err)
	assert.Equal(t, nodeKey.ID, again.ID)
	cellFile, err = types.LoadCellFile(conf.CellFile())
	require.NoError(t, err)
	assert.Equal(t, "test_cell", cellFile.ID)

	conf = clearConfig(t)
	out := runCmd(ctx, t, conf, "--home", home, "show-node-id")
	assert.Equal(t, string(nodeKey.ID), strings.TrimSpace(out))
}

func TestInitRandomCellID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)

	conf := clearConfig(t)
	runCmd(ctx, t, conf, "--home", t.TempDir(), "init")
	cellFile, err := types.LoadCellFile(conf.CellFile())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cellFile.ID, "cell-"))
	require.Len(t, cellFile.Nodes, 1)
	assert.Equal(t, conf.P2P.ListenAddress, cellFile.Nodes[0].Address)
}

func TestGenNodeKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)

	conf := clearConfig(t)
	out := runCmd(ctx, t, conf, "--home", t.TempDir(), "gen-node-key")

	var nodeKey types.NodeKey
	require.NoError(t, json.Unmarshal([]byte(out), &nodeKey))
	assert.Equal(t, types.NodeIDFromPubKey(nodeKey.PubKey()), nodeKey.ID)
}

func TestTestnetFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)
	output := filepath.Join(t.TempDir(), "testnet")

	conf := clearConfig(t)
	runCmd(ctx, t, conf, "--home", t.TempDir(), "testnet",
		"--c", "3", "--s", "1",
		"--o", output,
		"--cell-id", "testnet_cell",
		"--starting-ip-address", "192.168.10.2",
	)

	var first types.CellFile
	for i := 0; i < 4; i++ {
		nodeConf := config.DefaultConfig().SetRoot(filepath.Join(output, fmt.Sprintf("node%d", i)))
		nodeKey, err := types.LoadNodeKey(nodeConf.NodeKeyFile())
		require.NoError(t, err)
		cellFile, err := types.LoadCellFile(nodeConf.CellFile())
		require.NoError(t, err)
		if i == 0 {
			first = cellFile
		}
		assert.Equal(t, first, cellFile, "every node shares the cell file")

		cell, err := cellFile.Cell(nodeKey)
		require.NoError(t, err)
		assert.Equal(t, "testnet_cell", cell.ID())
		assert.Len(t, cell.Nodes(), 4)
		assert.Equal(t, fmt.Sprintf("tcp://192.168.10.%d:26656", 2+i), cell.LocalNode().Address)
		assert.Equal(t, i < 3, cell.IsChainNode(nodeKey.ID))
		assert.FileExists(t, filepath.Join(output, fmt.Sprintf("node%d", i), "config", "config.toml"))
	}
}

func TestTestnetFilesHostnames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)
	output := filepath.Join(t.TempDir(), "testnet")

	conf := clearConfig(t)
	cmd := testRootCmd(conf)
	err := RunWithArgs(ctx, cmd, []string{"--home", t.TempDir(), "testnet", "--c", "2", "--o", output, "--hostname", "a"}, nil)
	require.Error(t, err, "one hostname for two nodes")
	_, err = os.Stat(output)
	require.True(t, os.IsNotExist(err))

	conf = clearConfig(t)
	runCmd(ctx, t, conf, "--home", t.TempDir(), "testnet", "--c", "2", "--o", output, "--hostname", "a", "--hostname", "b")
	cellFile, err := types.LoadCellFile(config.DefaultConfig().SetRoot(filepath.Join(output, "node1")).CellFile())
	require.NoError(t, err)
	addresses := []string{cellFile.Nodes[0].Address, cellFile.Nodes[1].Address}
	assert.ElementsMatch(t, []string{"tcp://a:26656", "tcp://b:26656"}, addresses)
}

func TestVersion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)

	conf := clearConfig(t)
	out := runCmd(ctx, t, conf, "version", "--verbose")
	var info struct {
		Software    string `json:"software"`
		P2PProtocol uint64 `json:"p2p_protocol"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.Software)
	assert.NotZero(t, info.P2PProtocol)
	verbose = false
}

func TestUpgradeConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer clearConfig(t)
	home := t.TempDir()

	require.NoError(t, config.EnsureRoot(home))
	configFile := filepath.Join(home, "config", "config.toml")
	require.NoError(t, os.WriteFile(configFile, []byte("moniker = \"old\"\ntick_interval = \"2s\"\n\n[commit]\n"), 0600))

	conf := clearConfig(t)
	out := runCmd(ctx, t, conf, "--home", home, "upgrade-config")
	assert.Contains(t, out, "tick_interval")

	conf = clearConfig(t)
	runCmd(ctx, t, conf, "--home", home, "upgrade-config", "--in-place")
	conf = clearConfig(t)
	runCmd(ctx, t, conf, "--home", home)
	assert.Equal(t, "old", conf.Moniker)
	assert.Equal(t, 2*time.Second, conf.Commit.TickInterval)
}
