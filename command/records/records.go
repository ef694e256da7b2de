package records

import (
	"github.com/0xPolygon/covtrace/aggregator"
	"github.com/0xPolygon/covtrace/command"
	"github.com/0xPolygon/covtrace/command/proxy/config"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "Lists the recorded calls, or the trace records of a single call",
		Run:   runCommand,
	}

	setFlags(recordsCmd)

	return recordsCmd
}

func setFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(
		&params.dataDir,
		dataDirFlag,
		config.DefaultConfig().DataDir,
		"the data directory the trace records are stored in",
	)

	cmd.Flags().StringVar(
		&params.store,
		storeFlag,
		aggregator.StoreBolt,
		"the record store, bolt or leveldb",
	)

	cmd.Flags().StringVar(
		&params.callID,
		callFlag,
		"",
		"the id of the call whose records are shown",
	)
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := command.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	store, err := params.openStorage()
	if err != nil {
		outputter.SetError(err)

		return
	}

	defer store.Close()

	result, err := params.getResult(store)
	if err != nil {
		outputter.SetError(err)

		return
	}

	outputter.SetCommandResult(result)
}
