package commands

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/libs/service"
)

// NodeProvider builds the node run by the start command.
type NodeProvider func(*config.Config, log.Logger) (service.Service, error)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a cellchain node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// rpc flags
	cmd.Flags().String("rpc.laddr", conf.RPC.ListenAddress, "RPC listen address. Port required, empty disables the RPC server")

	// p2p flags
	cmd.Flags().String(
		"p2p.laddr",
		conf.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")

	// commit flags
	cmd.Flags().Duration("commit.tick_interval", conf.Commit.TickInterval, "interval between two engine ticks")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String(
		"instrumentation.prometheus_listen_addr",
		conf.Instrumentation.PrometheusListenAddr,
		"address the prometheus metrics are served on")

	// db flags
	cmd.Flags().String(
		"db_backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db_dir",
		conf.DBPath,
		"database directory")
}

// MakeRunNodeCommand returns the command that allows the CLI to start a node.
// The node runs until the command context is canceled.
func MakeRunNodeCommand(conf *config.Config, logger log.Logger, nodeProvider NodeProvider) *cobra.Command {
	var cellHash []byte

	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the cellchain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkCellHash(conf, cellHash); err != nil {
				return err
			}

			n, err := nodeProvider(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx := cmd.Context()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "node", n.String())

			// stopped by the context, on SIGTERM or CTRL-C
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	cmd.Flags().BytesHexVar(
		&cellHash,
		"cell_hash",
		[]byte{},
		"optional SHA-256 hash of the cell file")
	return cmd
}

func checkCellHash(conf *config.Config, cellHash []byte) error {
	if len(cellHash) == 0 || conf.Cell == "" {
		return nil
	}

	// Calculate SHA-256 hash of the cell file.
	f, err := os.Open(conf.CellFile())
	if err != nil {
		return fmt.Errorf("can't open cell file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("error when hashing cell file: %w", err)
	}
	actualHash := h.Sum(nil)

	// Compare with the flag.
	if !bytes.Equal(cellHash, actualHash) {
		return fmt.Errorf(
			"--cell_hash=%X does not match %s hash: %X",
			cellHash, conf.CellFile(), actualHash)
	}

	return nil
}
