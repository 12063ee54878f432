package commands

import (
	"context"
	"path/filepath"

	"github.com/creachadair/tomledit/transform"
	"github.com/spf13/cobra"

	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/internal/libs/confix"
)

// MakeUpgradeConfigCommand constructs the command rewriting the config file
// of the home directory in the current format. The upgraded file is printed
// unless --output or --in-place is set.
func MakeUpgradeConfigCommand(conf *config.Config) *cobra.Command {
	var (
		output  string
		inPlace bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "upgrade-config",
		Short: "Upgrade the config file written by an older version of cellchain",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := filepath.Join(conf.RootDir, "config", "config.toml")
			if inPlace {
				output = configPath
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if verbose {
				ctx = transform.WithLogWriter(ctx, cmd.ErrOrStderr())
			}
			return confix.Upgrade(ctx, configPath, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write the upgraded config to this file")
	cmd.Flags().BoolVar(&inPlace, "in-place", false, "overwrite the config file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the applied steps")
	return cmd
}
