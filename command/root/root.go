package root

import (
	"fmt"
	"os"

	"github.com/0xPolygon/covtrace/command/helper"
	"github.com/0xPolygon/covtrace/command/proxy"
	"github.com/0xPolygon/covtrace/command/records"
	"github.com/0xPolygon/covtrace/command/version"
	"github.com/spf13/cobra"
)

type RootCommand struct {
	baseCmd *cobra.Command
}

func NewRootCommand() *RootCommand {
	rootCommand := &RootCommand{
		baseCmd: &cobra.Command{
			Use:          "covtrace",
			Short:        "covtrace is a JSON-RPC proxy that captures the execution traces of smart contract calls",
			SilenceUsage: true,
			CompletionOptions: cobra.CompletionOptions{
				DisableDefaultCmd: true,
			},
		},
	}

	helper.RegisterJSONOutputFlag(rootCommand.baseCmd)

	rootCommand.registerSubCommands()

	return rootCommand
}

func (rc *RootCommand) registerSubCommands() {
	rc.baseCmd.AddCommand(
		version.GetCommand(),
		proxy.GetCommand(),
		records.GetCommand(),
	)
}

func (rc *RootCommand) Execute() {
	if err := rc.baseCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
