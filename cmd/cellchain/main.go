package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cellchain/cellchain/cmd/cellchain/commands"
	"github.com/cellchain/cellchain/config"
	"github.com/cellchain/cellchain/libs/cli"
	"github.com/cellchain/cellchain/libs/log"
	"github.com/cellchain/cellchain/node"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	conf := config.DefaultConfig()

	logger, err := log.NewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.GenNodeKeyCmd,
		commands.MakeShowNodeIDCommand(conf),
		commands.MakeTestnetFilesCommand(conf, logger),
		commands.MakeUpgradeConfigCommand(conf),
		commands.VersionCmd,
		// NOTE: provide a custom NodeProvider to embed the node with
		// another transport or database provider.
		commands.MakeRunNodeCommand(conf, logger, node.NewDefault),
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}
