package proxy

import (
	"fmt"

	"github.com/0xPolygon/covtrace/command"
	"github.com/0xPolygon/covtrace/command/helper"
	"github.com/0xPolygon/covtrace/command/proxy/config"
	"github.com/0xPolygon/covtrace/server"
	"github.com/spf13/cobra"
)

func GetCommand() *cobra.Command {
	proxyCmd := &cobra.Command{
		Use:     "proxy",
		Short:   "Starts the JSON-RPC proxy that records the execution trace of every call it relays",
		PreRunE: runPreRun,
		Run:     runCommand,
	}

	setFlags(proxyCmd, params)

	return proxyCmd
}

func setFlags(cmd *cobra.Command, p *proxyParams) {
	defaultConfig := config.DefaultConfig()

	cmd.Flags().StringVar(
		&p.rawConfig.LogLevel,
		command.LogLevelFlag,
		defaultConfig.LogLevel,
		"the log level for console output",
	)

	cmd.Flags().StringVar(
		&p.configPath,
		configFlag,
		"",
		"the path to the CLI config. Supports .json, .hcl, .yaml and .yml",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.UpstreamURL,
		upstreamFlag,
		defaultConfig.UpstreamURL,
		"the url of the node being traced, http(s), ws(s) or an ipc path",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.JSONRPCAddr,
		jsonRPCFlag,
		defaultConfig.JSONRPCAddr,
		"the address and port the proxy listens on (address:port)",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.DefaultFromAddress,
		defaultFromFlag,
		defaultConfig.DefaultFromAddress,
		"the sender of replayed read-only calls that do not name one",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.DataDir,
		dataDirFlag,
		defaultConfig.DataDir,
		"the data directory the trace records are stored in",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.Store,
		storeFlag,
		defaultConfig.Store,
		"the record store, bolt, leveldb or memory",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.FlushInterval,
		flushIntervalFlag,
		defaultConfig.FlushInterval,
		"how often buffered records are written to the store, 0 writes them on shutdown only",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.ReceiptTimeout,
		receiptTimeoutFlag,
		defaultConfig.ReceiptTimeout,
		"how long to wait for the receipt of a relayed transaction",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.ReceiptPollInterval,
		receiptPollIntervalFlag,
		defaultConfig.ReceiptPollInterval,
		"the interval between receipt polls",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.RevertTimeout,
		revertTimeoutFlag,
		defaultConfig.RevertTimeout,
		"how long the revert of a replayed call may take",
	)

	cmd.Flags().IntVar(
		&p.rawConfig.CodeCacheSize,
		codeCacheSizeFlag,
		defaultConfig.CodeCacheSize,
		"the number of contract codes cached between reverts",
	)

	cmd.Flags().Uint64Var(
		&p.rawConfig.JSONRPCBatchRequestLimit,
		batchRequestLimitFlag,
		defaultConfig.JSONRPCBatchRequestLimit,
		"max length to be considered when handling json-rpc batch requests, value of 0 disables it",
	)

	cmd.Flags().StringArrayVar(
		&p.rawConfig.CorsAllowedOrigins,
		corsOriginFlag,
		defaultConfig.CorsAllowedOrigins,
		"the CORS header indicating whether any JSON-RPC response can be shared with the specified origin",
	)

	cmd.Flags().Uint64Var(
		&p.rawConfig.WebSocketReadLimit,
		webSocketReadLimitFlag,
		defaultConfig.WebSocketReadLimit,
		"maximum size in bytes for a message read from the peer by websocket",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.LogFilePath,
		logFileLocationFlag,
		defaultConfig.LogFilePath,
		"write all logs to the file at specified location instead of writing them to console",
	)

	cmd.Flags().BoolVar(
		&p.rawConfig.JSONLogFormat,
		jsonLogFormatFlag,
		defaultConfig.JSONLogFormat,
		"log in json format",
	)

	cmd.Flags().StringVar(
		&p.rawConfig.Telemetry.PrometheusAddr,
		prometheusAddressFlag,
		"",
		"the address and port for the prometheus instrumentation service (address:port)",
	)
}

func runPreRun(cmd *cobra.Command, _ []string) error {
	// Check if the config file has been specified
	if isConfigFileSpecified(cmd) {
		if err := params.initConfigFromFile(cmd.Flags()); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := params.validateFlags(); err != nil {
		return err
	}

	return params.initRawParams()
}

func isConfigFileSpecified(cmd *cobra.Command) bool {
	return cmd.Flags().Changed(configFlag)
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := command.InitializeOutputter(cmd)

	if err := runProxyLoop(params.generateConfig(), outputter); err != nil {
		outputter.SetError(err)
		outputter.WriteOutput()

		return
	}
}

func runProxyLoop(
	config *server.Config,
	outputter command.OutputFormatter,
) error {
	proxyInstance, err := server.NewServer(config)
	if err != nil {
		return err
	}

	return helper.HandleSignals(proxyInstance.Close, outputter)
}
