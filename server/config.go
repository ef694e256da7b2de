package server

import (
	"net"
	"time"

	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/0xPolygon/covtrace/sandbox"
	"github.com/hashicorp/go-hclog"
)

// Config is used to parametrize the proxy
type Config struct {
	UpstreamURL string

	JSONRPC *jsonrpc.Config
	Backend *backend.Config
	Sandbox *sandbox.Config

	DataDir       string
	Store         string
	FlushInterval time.Duration

	Telemetry *Telemetry

	LogLevel      hclog.Level
	JSONLogFormat bool
	LogFilePath   string
}

// Telemetry holds the config details for metric services
type Telemetry struct {
	PrometheusAddr *net.TCPAddr
}
