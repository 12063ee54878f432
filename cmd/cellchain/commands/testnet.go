package commands

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/types"
)

const (
	nodeDirPerm = 0755
)

// testnetOptions holds the flags of the testnet command.
type testnetOptions struct {
	nChainNodes       int
	nStoreNodes       int
	cellID            string
	configFile        string
	outputDir         string
	nodeDirPrefix     string
	hostnamePrefix    string
	hostnameSuffix    string
	startingIPAddress string
	hostnames         []string
	p2pPort           int
	rpcPort           int
}

// MakeTestnetFilesCommand constructs the command that initializes the home
// directories of the nodes of a new cell.
func MakeTestnetFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	opts := &testnetOptions{}
	cmd := &cobra.Command{
		Use:   "testnet",
		Short: "Initialize files for a cellchain testnet",
		Long: `testnet will create "c" + "s" number of directories and populate each with
necessary files (node key, cell file, config, etc.).

Every node lists all the others in the same cell file. Peer addresses are built
using either hostnames or IPs.

Example:

	cellchain testnet --c 4 --o ./output --starting-ip-address 192.168.10.2
	`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return testnetFiles(conf, logger, opts)
		},
	}

	cmd.Flags().IntVar(&opts.nChainNodes, "c", 4,
		"number of chain nodes to initialize the testnet with")
	cmd.Flags().IntVar(&opts.nStoreNodes, "s", 0,
		"number of store-only nodes to initialize the testnet with")
	cmd.Flags().StringVar(&opts.cellID, "cell-id", "",
		"ID of the cell (random when empty)")
	cmd.Flags().StringVar(&opts.configFile, "config", "",
		"config file to use (note some options may be overwritten)")
	cmd.Flags().StringVar(&opts.outputDir, "o", "./mytestnet",
		"directory to store initialization data for the testnet")
	cmd.Flags().StringVar(&opts.nodeDirPrefix, "node-dir-prefix", "node",
		"prefix the directory name for each node with (node results in node0, node1, ...)")
	cmd.Flags().StringVar(&opts.hostnamePrefix, "hostname-prefix", "node",
		"hostname prefix (\"node\" results in node addresses node0:26656, node1:26656, ...)")
	cmd.Flags().StringVar(&opts.hostnameSuffix, "hostname-suffix", "",
		"hostname suffix (\".xyz.com\" results in node addresses node0.xyz.com:26656, node1.xyz.com:26656, ...)")
	cmd.Flags().StringVar(&opts.startingIPAddress, "starting-ip-address", "",
		"starting IP address (\"192.168.0.1\" results in node addresses 192.168.0.1:26656, 192.168.0.2:26656, ...)")
	cmd.Flags().StringArrayVar(&opts.hostnames, "hostname", []string{},
		"manually override all hostnames of the nodes (use --hostname multiple times for multiple hosts)")
	cmd.Flags().IntVar(&opts.p2pPort, "p2p-port", 26656,
		"P2P port")
	cmd.Flags().IntVar(&opts.rpcPort, "rpc-port", 26657,
		"RPC port")
	return cmd
}

func testnetFiles(conf *config.Config, logger log.Logger, opts *testnetOptions) error {
	nNodes := opts.nChainNodes + opts.nStoreNodes
	if opts.nChainNodes < 1 {
		return fmt.Errorf("testnet needs at least one chain node, got %d", opts.nChainNodes)
	}
	if len(opts.hostnames) > 0 && len(opts.hostnames) != nNodes {
		return fmt.Errorf(
			"testnet needs precisely %d hostnames (number of chain plus store nodes) if --hostname parameter is used",
			nNodes,
		)
	}

	base := config.DefaultConfig()
	// overwrite default config if set and valid
	if opts.configFile != "" {
		viper.SetConfigFile(opts.configFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
		if err := viper.Unmarshal(base); err != nil {
			return err
		}
		if err := base.ValidateBasic(); err != nil {
			return err
		}
	}
	base.LogLevel = conf.LogLevel
	base.LogFormat = conf.LogFormat

	cellID := opts.cellID
	if cellID == "" {
		cellID = "cell-" + uuid.NewString()
	}

	// node keys are generated concurrently, each node writes its own directory
	nodes := make([]types.CellFileNode, nNodes)
	configs := make([]*config.Config, nNodes)
	var g errgroup.Group
	for i := 0; i < nNodes; i++ {
		i := i
		nodeConf := *base
		nodeConf.RPC = copyRPCConfig(base.RPC)
		nodeConf.P2P = copyP2PConfig(base.P2P)
		configs[i] = &nodeConf

		g.Go(func() error {
			nodeDir := filepath.Join(opts.outputDir, fmt.Sprintf("%s%d", opts.nodeDirPrefix, i))
			nodeConf.SetRoot(nodeDir)
			nodeConf.Moniker = opts.moniker(i)
			nodeConf.P2P.ListenAddress = fmt.Sprintf("tcp://0.0.0.0:%d", opts.p2pPort)
			nodeConf.RPC.ListenAddress = fmt.Sprintf("tcp://0.0.0.0:%d", opts.rpcPort)

			for _, dir := range []string{filepath.Join(nodeDir, "config"), filepath.Join(nodeDir, "data")} {
				if err := os.MkdirAll(dir, nodeDirPerm); err != nil {
					return err
				}
			}
			nodeKey, err := types.LoadOrGenNodeKey(nodeConf.NodeKeyFile())
			if err != nil {
				return err
			}

			host, err := opts.hostnameOrIP(i)
			if err != nil {
				return err
			}
			roles := []types.NodeRole{types.RoleChain, types.RoleStore}
			if i >= opts.nChainNodes {
				roles = []types.NodeRole{types.RoleStore}
			}
			nodes[i] = types.NewCellFileNode(nodeKey.PubKey(), fmt.Sprintf("tcp://%s:%d", host, opts.p2pPort), roles...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = os.RemoveAll(opts.outputDir)
		return err
	}

	cellFile := types.CellFile{ID: cellID, Nodes: nodes}
	for _, nodeConf := range configs {
		if err := cellFile.SaveAs(nodeConf.CellFile()); err != nil {
			_ = os.RemoveAll(opts.outputDir)
			return err
		}
		if err := config.WriteConfigFile(nodeConf.RootDir, nodeConf); err != nil {
			_ = os.RemoveAll(opts.outputDir)
			return err
		}
	}

	logger.Info("successfully initialized node directories", "nodes", nNodes, "cell", cellID, "output", opts.outputDir)
	return nil
}

func (opts *testnetOptions) hostnameOrIP(i int) (string, error) {
	if len(opts.hostnames) > 0 && i < len(opts.hostnames) {
		return opts.hostnames[i], nil
	}
	if opts.startingIPAddress == "" {
		return fmt.Sprintf("%s%d%s", opts.hostnamePrefix, i, opts.hostnameSuffix), nil
	}
	ip := net.ParseIP(opts.startingIPAddress).To4()
	if ip == nil {
		return "", fmt.Errorf("%v: non ipv4 address", opts.startingIPAddress)
	}

	for j := 0; j < i; j++ {
		ip[3]++
	}
	return ip.String(), nil
}

func (opts *testnetOptions) moniker(i int) string {
	if len(opts.hostnames) > 0 && i < len(opts.hostnames) {
		return opts.hostnames[i]
	}
	return fmt.Sprintf("%s%d%s", opts.hostnamePrefix, i, opts.hostnameSuffix)
}

func copyRPCConfig(cfg *config.RPCConfig) *config.RPCConfig {
	c := *cfg
	return &c
}

func copyP2PConfig(cfg *config.P2PConfig) *config.P2PConfig {
	c := *cfg
	return &c
}
