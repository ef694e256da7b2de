package server

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/armon/go-metrics"
	gometricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	sinks := metrics.FanoutSink{inm}

	if s.config.Telemetry != nil && s.config.Telemetry.PrometheusAddr != nil {
		promSink, err := gometricsprom.NewPrometheusSinkFrom(gometricsprom.PrometheusOpts{
			Name:       "covtrace_prometheus_sink",
			Expiration: 0,
		})
		if err != nil {
			return err
		}

		sinks = append(sinks, promSink)
	}

	metricsConf := metrics.DefaultConfig("covtrace")
	metricsConf.EnableHostname = false
	_, err := metrics.NewGlobal(metricsConf, sinks)

	return err
}

func (s *Server) startPrometheusServer(listenAddr *net.TCPAddr) *http.Server {
	srv := &http.Server{
		Addr: listenAddr.String(),
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 60 * time.Second,
	}

	go func() {
		s.logger.Info("prometheus server started", "addr", listenAddr.String())

		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()

	return srv
}
