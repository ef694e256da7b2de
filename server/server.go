package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/0xPolygon/covtrace/aggregator"
	"github.com/0xPolygon/covtrace/backend"
	"github.com/0xPolygon/covtrace/coverage"
	"github.com/0xPolygon/covtrace/jsonrpc"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long in-flight requests may take once Close is called
const shutdownTimeout = 10 * time.Second

// Server is the proxy, it owns every component of the capture pipeline
type Server struct {
	logger hclog.Logger
	config *Config

	upstream   *jsonrpc.Upstream
	backend    *backend.Backend
	aggregator *aggregator.Aggregator
	recorder   *coverage.Recorder
	jsonrpc    *jsonrpc.JSONRPC

	prometheusServer *http.Server

	stopFlush context.CancelFunc
	flushDone chan struct{}
}

// newFileLogger returns logger instance that writes all logs to a specified file.
// If log file can't be created, it returns an error
func newFileLogger(config *Config) (hclog.Logger, error) {
	logFileWriter, err := os.Create(config.LogFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not create log file, %w", err)
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "covtrace",
		Level:      config.LogLevel,
		Output:     logFileWriter,
		JSONFormat: config.JSONLogFormat,
	}), nil
}

// newCLILogger returns minimal logger instance that sends all logs to standard output
func newCLILogger(config *Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "covtrace",
		Level:      config.LogLevel,
		JSONFormat: config.JSONLogFormat,
	})
}

// newLoggerFromConfig creates a new logger which logs to a specified file.
// If log file is not set it outputs to standard output ( console ).
// If log file is specified, and it can't be created the server command will error out
func newLoggerFromConfig(config *Config) (hclog.Logger, error) {
	if config.LogFilePath != "" {
		return newFileLogger(config)
	}

	return newCLILogger(config), nil
}

// NewServer wires the capture pipeline in front of the upstream node and starts serving
func NewServer(config *Config) (*Server, error) {
	logger, err := newLoggerFromConfig(config)
	if err != nil {
		return nil, fmt.Errorf("could not setup new logger instance, %w", err)
	}

	m := &Server{
		logger: logger.Named("server"),
		config: config,
	}

	m.logger.Info("data dir", "path", config.DataDir, "store", config.Store)

	if err := m.setupTelemetry(); err != nil {
		return nil, err
	}

	if config.Telemetry != nil && config.Telemetry.PrometheusAddr != nil {
		m.prometheusServer = m.startPrometheusServer(config.Telemetry.PrometheusAddr)
	}

	if err := m.setupPipeline(logger); err != nil {
		_ = m.closeAll()

		return nil, err
	}

	if config.FlushInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopFlush = cancel
		m.flushDone = make(chan struct{})

		go func() {
			defer close(m.flushDone)

			m.aggregator.Run(ctx, config.FlushInterval)
		}()
	}

	return m, nil
}

func (s *Server) setupPipeline(logger hclog.Logger) error {
	var err error

	if s.upstream, err = jsonrpc.NewUpstream(logger, s.config.UpstreamURL); err != nil {
		return err
	}

	if s.backend, err = backend.New(logger, s.upstream, s.config.Backend); err != nil {
		return err
	}

	store, err := aggregator.OpenStorage(logger, s.config.Store, s.config.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}

	if s.aggregator, err = aggregator.New(logger, store); err != nil {
		_ = store.Close()

		return err
	}

	if s.recorder, err = coverage.NewRecorder(logger, s.backend, s.aggregator, s.config.Sandbox); err != nil {
		return err
	}

	chain := jsonrpc.NewChain(s.upstream, coverage.NewInterceptor(logger, s.recorder))

	jsonrpcConfig := *s.config.JSONRPC
	jsonrpcConfig.Upstream = s.config.UpstreamURL

	if s.jsonrpc, err = jsonrpc.NewJSONRPC(logger, chain, &jsonrpcConfig); err != nil {
		return err
	}

	return nil
}

// Close stops serving, then writes out every buffered record
func (s *Server) Close() error {
	s.logger.Info("closing the proxy")

	return s.closeAll()
}

func (s *Server) closeAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result error

	// the listeners go first so nothing new reaches the recorder
	g, gCtx := errgroup.WithContext(ctx)

	if s.jsonrpc != nil {
		g.Go(func() error {
			return s.jsonrpc.Close(gCtx)
		})
	}

	if s.prometheusServer != nil {
		g.Go(func() error {
			return s.prometheusServer.Shutdown(gCtx)
		})
	}

	if err := g.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop listeners: %w", err))
	}

	if s.stopFlush != nil {
		s.stopFlush()
		<-s.flushDone
	}

	switch {
	case s.recorder != nil:
		if err := s.recorder.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close recorder: %w", err))
		}
	case s.aggregator != nil:
		if err := s.aggregator.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close aggregator: %w", err))
		}
	}

	if s.upstream != nil {
		if err := s.upstream.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close upstream: %w", err))
		}
	}

	return result
}
