package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collectors is implemented by components that expose Prometheus metrics.
type Collectors interface {
	PrometheusCollectors() []prometheus.Collector
}

// NewMetricsRegistry returns a registry preloaded with the Go runtime and
// process collectors plus every collector exposed by components.
func NewMetricsRegistry(components ...Collectors) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	base := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range base {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register runtime collector: %w", err)
		}
	}
	for _, comp := range components {
		for _, c := range comp.PrometheusCollectors() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register component collector: %w", err)
			}
		}
	}
	return reg, nil
}

// MetricsServer serves /metrics for a registry.
type MetricsServer struct {
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
	done   chan struct{}
}

// ServeMetrics starts an HTTP endpoint on addr exposing reg at /metrics.
func ServeMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	m := &MetricsServer{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger.Named("metrics"),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server stopped unexpectedly.", zap.Error(err))
		}
	}()
	m.logger.Info("Serving metrics.", zap.String("addr", ln.Addr().String()))
	return m, nil
}

// Addr returns the bound listener address.
func (m *MetricsServer) Addr() string {
	return m.ln.Addr().String()
}

// Shutdown stops the endpoint and waits for the serve loop to exit.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	err := m.srv.Shutdown(ctx)
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	return err
}
