package proxy

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/command/helper"
	"github.com/0xPolygon/covtrace/command/proxy/config"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/0xPolygon/covtrace/server"
	"github.com/0xPolygon/covtrace/types"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
)

const (
	configFlag              = "config"
	upstreamFlag            = "upstream"
	jsonRPCFlag             = "jsonrpc"
	defaultFromFlag         = "default-from"
	dataDirFlag             = "data-dir"
	storeFlag               = "store"
	flushIntervalFlag       = "flush-interval"
	receiptTimeoutFlag      = "receipt-timeout"
	receiptPollIntervalFlag = "receipt-poll-interval"
	revertTimeoutFlag       = "revert-timeout"
	codeCacheSizeFlag       = "code-cache-size"
	batchRequestLimitFlag   = "json-rpc-batch-request-limit"
	corsOriginFlag          = "access-control-allow-origins"
	webSocketReadLimitFlag  = "websocket-read-limit"
	logFileLocationFlag     = "log-to"
	jsonLogFormatFlag       = "json-log-format"
	prometheusAddressFlag   = "prometheus"
)

var (
	params = &proxyParams{
		rawConfig: config.DefaultConfig(),
	}
)

var (
	errInvalidDefaultFrom = errors.New("default-from is not a 20 byte hex address")
	errMissingUpstream    = errors.New("upstream url is required")
)

type proxyParams struct {
	rawConfig  *config.Config
	configPath string

	jsonRPCAddress    *net.TCPAddr
	prometheusAddress *net.TCPAddr
	defaultFrom       types.Address

	flushInterval       time.Duration
	receiptTimeout      time.Duration
	receiptPollInterval time.Duration
	revertTimeout       time.Duration
}

func (p *proxyParams) validateFlags() error {
	if p.rawConfig.UpstreamURL == "" {
		return errMissingUpstream
	}

	return nil
}

// initConfigFromFile loads the config file into rawConfig. Flags set on the
// command line keep their value over the file.
func (p *proxyParams) initConfigFromFile(flags *pflag.FlagSet) error {
	fileConfig, err := config.ReadConfigFile(p.configPath)
	if err != nil {
		return err
	}

	var (
		values = map[string]string{}
		slices = map[string][]string{}
	)

	flags.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			slices[f.Name] = sv.GetSlice()

			return
		}

		values[f.Name] = f.Value.String()
	})

	// flags are bound to the fields of rawConfig, so the file is copied in place
	telemetry := p.rawConfig.Telemetry
	*telemetry = *fileConfig.Telemetry
	*p.rawConfig = *fileConfig
	p.rawConfig.Telemetry = telemetry

	for name, value := range values {
		if err := flags.Set(name, value); err != nil {
			return err
		}
	}

	for name, value := range slices {
		sv, _ := flags.Lookup(name).Value.(pflag.SliceValue)
		if err := sv.Replace(value); err != nil {
			return err
		}
	}

	return nil
}

func (p *proxyParams) isPrometheusAddressSet() bool {
	return p.rawConfig.Telemetry != nil && p.rawConfig.Telemetry.PrometheusAddr != ""
}

func (p *proxyParams) initPrometheusAddress() error {
	if !p.isPrometheusAddressSet() {
		return nil
	}

	var parseErr error

	if p.prometheusAddress, parseErr = helper.ResolveAddr(
		p.rawConfig.Telemetry.PrometheusAddr,
	); parseErr != nil {
		return parseErr
	}

	return nil
}

func (p *proxyParams) initJSONRPCAddress() error {
	var parseErr error

	if p.jsonRPCAddress, parseErr = helper.ResolveAddr(
		p.rawConfig.JSONRPCAddr,
	); parseErr != nil {
		return parseErr
	}

	return nil
}

func (p *proxyParams) initDefaultFrom() error {
	if err := p.defaultFrom.UnmarshalText([]byte(p.rawConfig.DefaultFromAddress)); err != nil {
		return fmt.Errorf("%w: %w", errInvalidDefaultFrom, err)
	}

	return nil
}

func parseDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}

	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative duration", name, raw)
	}

	return d, nil
}

func (p *proxyParams) initDurations() error {
	var err error

	if p.flushInterval, err = parseDuration(flushIntervalFlag, p.rawConfig.FlushInterval); err != nil {
		return err
	}

	if p.receiptTimeout, err = parseDuration(receiptTimeoutFlag, p.rawConfig.ReceiptTimeout); err != nil {
		return err
	}

	if p.receiptPollInterval, err = parseDuration(
		receiptPollIntervalFlag,
		p.rawConfig.ReceiptPollInterval,
	); err != nil {
		return err
	}

	p.revertTimeout, err = parseDuration(revertTimeoutFlag, p.rawConfig.RevertTimeout)

	return err
}

func (p *proxyParams) initRawParams() error {
	if err := p.initDefaultFrom(); err != nil {
		return err
	}

	if err := p.initDurations(); err != nil {
		return err
	}

	if err := p.initPrometheusAddress(); err != nil {
		return err
	}

	return p.initJSONRPCAddress()
}

func (p *proxyParams) generateConfig() *server.Config {
	return &server.Config{
		UpstreamURL: p.rawConfig.UpstreamURL,
		JSONRPC: &jsonrpc.Config{
			Addr:                     p.jsonRPCAddress,
			AccessControlAllowOrigin: p.rawConfig.CorsAllowedOrigins,
			BatchLengthLimit:         p.rawConfig.JSONRPCBatchRequestLimit,
			WebSocketReadLimit:       p.rawConfig.WebSocketReadLimit,
		},
		Backend: &backend.Config{
			CodeCacheSize:       p.rawConfig.CodeCacheSize,
			ReceiptTimeout:      p.receiptTimeout,
			ReceiptPollInterval: p.receiptPollInterval,
		},
		Sandbox: &sandbox.Config{
			DefaultFrom:   p.defaultFrom,
			RevertTimeout: p.revertTimeout,
		},
		DataDir:       p.rawConfig.DataDir,
		Store:         p.rawConfig.Store,
		FlushInterval: p.flushInterval,
		Telemetry: &server.Telemetry{
			PrometheusAddr: p.prometheusAddress,
		},
		LogLevel:      hclog.LevelFromString(p.rawConfig.LogLevel),
		JSONLogFormat: p.rawConfig.JSONLogFormat,
		LogFilePath:   p.rawConfig.LogFilePath,
	}
}
