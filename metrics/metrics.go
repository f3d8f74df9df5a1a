// Package metrics serves Prometheus metrics for the vmcloak binaries on a
// dedicated listener, separate from any API traffic.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the process registry over HTTP.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
}

// New creates a metrics server for the given service on listenAddr. The
// registry starts out with the standard process and Go runtime collectors.
func New(serviceName, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: serviceName}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry: registry,
	}, nil
}

// MustRegister adds collectors to the server's registry, panicking on
// duplicate registration.
func (s *MetricsServer) MustRegister(cs ...prometheus.Collector) {
	s.registry.MustRegister(cs...)
}

// Registry exposes the underlying registry for components that register
// their own collectors.
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe blocks serving the registry until Shutdown or failure.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown drains the metrics listener.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
