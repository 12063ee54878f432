package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/log"
	ccos "github.com/cellchain/cellchain/libs/os"
	"github.com/cellchain/cellchain/types"
)

// MakeInitFilesCommand returns the command that initializes a fresh home
// directory: config file, node key and a cell file listing the node alone.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		cellID  string
		address string
		roles   []string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a cellchain node",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeRoles := make([]types.NodeRole, 0, len(roles))
			for _, r := range roles {
				nodeRoles = append(nodeRoles, types.NodeRole(r))
			}
			if cellID == "" {
				cellID = "cell-" + uuid.NewString()
			}
			if address == "" {
				address = conf.P2P.ListenAddress
			}
			return initFilesWithConfig(conf, logger, cellID, address, nodeRoles)
		},
	}
	cmd.Flags().StringVar(&cellID, "cell-id", "", "ID of the new cell (random when empty)")
	cmd.Flags().StringVar(&address, "address", "", "address peers dial this node at (defaults to p2p.laddr)")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{string(types.RoleChain), string(types.RoleStore)},
		"roles of the node in the cell (chain | store | app_host)")
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger, cellID, address string, roles []types.NodeRole) error {
	nodeKeyFile := conf.NodeKeyFile()
	if ccos.FileExists(nodeKeyFile) {
		logger.Info("found node key", "path", nodeKeyFile)
	} else {
		logger.Info("generated node key", "path", nodeKeyFile)
	}
	nodeKey, err := types.LoadOrGenNodeKey(nodeKeyFile)
	if err != nil {
		return fmt.Errorf("failed to load or generate node key: %w", err)
	}

	cellFile := conf.CellFile()
	if ccos.FileExists(cellFile) {
		logger.Info("found cell file", "path", cellFile)
	} else {
		cf := types.CellFile{
			ID:    cellID,
			Nodes: []types.CellFileNode{types.NewCellFileNode(nodeKey.PubKey(), address, roles...)},
		}
		// the cell must be valid from the point of view of its only node
		if _, err := cf.Cell(nodeKey); err != nil {
			return err
		}
		if err := cf.SaveAs(cellFile); err != nil {
			return err
		}
		logger.Info("generated cell file", "path", cellFile, "cell", cellID)
	}

	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("generated config", "home", conf.RootDir)
	return nil
}
