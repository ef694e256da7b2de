package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl"
	"gopkg.in/yaml.v3"
)

// Config defines the proxy configuration params
type Config struct {
	UpstreamURL              string     `json:"upstream_url" yaml:"upstream_url" hcl:"upstream_url"`
	JSONRPCAddr              string     `json:"jsonrpc_addr" yaml:"jsonrpc_addr" hcl:"jsonrpc_addr"`
	DefaultFromAddress       string     `json:"default_from_address" yaml:"default_from_address" hcl:"default_from_address"`
	DataDir                  string     `json:"data_dir" yaml:"data_dir" hcl:"data_dir"`
	Store                    string     `json:"store" yaml:"store" hcl:"store"`
	FlushInterval            string     `json:"flush_interval" yaml:"flush_interval" hcl:"flush_interval"`
	ReceiptTimeout           string     `json:"receipt_timeout" yaml:"receipt_timeout" hcl:"receipt_timeout"`
	ReceiptPollInterval      string     `json:"receipt_poll_interval" yaml:"receipt_poll_interval" hcl:"receipt_poll_interval"`
	RevertTimeout            string     `json:"revert_timeout" yaml:"revert_timeout" hcl:"revert_timeout"`
	CodeCacheSize            int        `json:"code_cache_size" yaml:"code_cache_size" hcl:"code_cache_size"`
	JSONRPCBatchRequestLimit uint64     `json:"json_rpc_batch_request_limit" yaml:"json_rpc_batch_request_limit" hcl:"json_rpc_batch_request_limit"`
	CorsAllowedOrigins       []string   `json:"cors_allowed_origins" yaml:"cors_allowed_origins" hcl:"cors_allowed_origins"`
	WebSocketReadLimit       uint64     `json:"web_socket_read_limit" yaml:"web_socket_read_limit" hcl:"web_socket_read_limit"`
	LogLevel                 string     `json:"log_level" yaml:"log_level" hcl:"log_level"`
	LogFilePath              string     `json:"log_to" yaml:"log_to" hcl:"log_to"`
	JSONLogFormat            bool       `json:"json_log_format" yaml:"json_log_format" hcl:"json_log_format"`
	Telemetry                *Telemetry `json:"telemetry" yaml:"telemetry" hcl:"telemetry"`
}

// Telemetry holds the config details for metric services.
type Telemetry struct {
	PrometheusAddr string `json:"prometheus_addr" yaml:"prometheus_addr" hcl:"prometheus_addr"`
}

const (
	// DefaultJSONRPCBatchRequestLimit maximum length allowed for json_rpc batch requests
	DefaultJSONRPCBatchRequestLimit uint64 = 20

	// DefaultWebSocketReadLimit specifies max size in bytes for a message read from the peer by Gorilla websocket lib.
	// If a message exceeds the limit,
	// the connection sends a close message to the peer and returns ErrReadLimit to the application.
	DefaultWebSocketReadLimit uint64 = 8192

	// DefaultCodeCacheSize is the number of contract codes kept between reverts
	DefaultCodeCacheSize = 1024

	// DefaultFromAddress is the first account of ganache and hardhat dev chains
	DefaultFromAddress = "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1"
)

// DefaultConfig returns the default proxy configuration
func DefaultConfig() *Config {
	return &Config{
		UpstreamURL:              "http://127.0.0.1:8545",
		JSONRPCAddr:              "127.0.0.1:8555",
		DefaultFromAddress:       DefaultFromAddress,
		DataDir:                  "./covtrace-data",
		Store:                    "bolt",
		FlushInterval:            "0s",
		ReceiptTimeout:           "30s",
		ReceiptPollInterval:      "50ms",
		RevertTimeout:            "10s",
		CodeCacheSize:            DefaultCodeCacheSize,
		JSONRPCBatchRequestLimit: DefaultJSONRPCBatchRequestLimit,
		CorsAllowedOrigins:       []string{"*"},
		WebSocketReadLimit:       DefaultWebSocketReadLimit,
		LogLevel:                 "INFO",
		LogFilePath:              "",
		Telemetry:                &Telemetry{},
	}
}

// ReadConfigFile reads the config file from the specified path, builds a Config object
// and returns it. Keys missing from the file keep their default value.
//
// Supported file types: .json, .hcl, .yaml, .yml
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var unmarshalFunc func([]byte, interface{}) error

	switch {
	case strings.HasSuffix(path, ".hcl"):
		unmarshalFunc = hcl.Unmarshal
	case strings.HasSuffix(path, ".json"):
		unmarshalFunc = json.Unmarshal
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		unmarshalFunc = yaml.Unmarshal
	default:
		return nil, fmt.Errorf("suffix of %s is neither hcl, json, yaml nor yml", path)
	}

	config := DefaultConfig()
	// hcl appends to a non-empty slice
	config.CorsAllowedOrigins = nil

	if err := unmarshalFunc(data, config); err != nil {
		return nil, err
	}

	if config.CorsAllowedOrigins == nil {
		config.CorsAllowedOrigins = DefaultConfig().CorsAllowedOrigins
	}

	if config.Telemetry == nil {
		config.Telemetry = &Telemetry{}
	}

	return config, nil
}
