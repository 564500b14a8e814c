// Package metrics exposes batch-processing counters through a
// Prometheus registry. The registry is optional: the pipeline works with
// a nil *Registry, and the HTTP listener only runs when configured,
// which matters for long batch runs watched by external scrapers.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/capscrub/internal/logging"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all masking metrics.
type Registry struct {
	reg *prometheus.Registry

	FilesProcessed *prometheus.CounterVec
	PacketsTotal   prometheus.Counter
	PacketsMasked  prometheus.Counter
	BytesMasked    prometheus.Counter
	BytesPreserved prometheus.Counter
	RulesTotal     prometheus.Counter
	PeakHeapBytes  prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	factory := promauto.With(r.reg)

	r.FilesProcessed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "capscrub_files_total",
		Help: "Capture files handled, by outcome",
	}, []string{"outcome"})

	r.PacketsTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "capscrub_packets_total",
		Help: "Packets processed across all files",
	})
	r.PacketsMasked = factory.NewCounter(prometheus.CounterOpts{
		Name: "capscrub_packets_modified_total",
		Help: "Packets whose payload was rewritten",
	})
	r.BytesMasked = factory.NewCounter(prometheus.CounterOpts{
		Name: "capscrub_bytes_masked_total",
		Help: "Payload bytes zeroed",
	})
	r.BytesPreserved = factory.NewCounter(prometheus.CounterOpts{
		Name: "capscrub_bytes_preserved_total",
		Help: "Payload bytes kept by rules",
	})
	r.RulesTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "capscrub_keep_rules_total",
		Help: "Keep rules produced after optimization",
	})
	r.PeakHeapBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "capscrub_peak_heap_bytes",
		Help: "High-water heap usage of the process",
	})
	return r
}

// Serve runs a /metrics endpoint until ctx is cancelled. Errors other
// than shutdown are logged, not fatal: metrics are best-effort.
func (r *Registry) Serve(ctx context.Context, addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics listener failed", "addr", addr, "err", err)
	}
}
