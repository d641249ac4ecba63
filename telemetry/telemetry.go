// Package telemetry records pipeline counters in a private Prometheus
// registry. The numbers can be exported to a node_exporter textfile when a
// pass ends or served over HTTP while a long pass runs.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YuminosukeSato/flowclf/pkg/errors"
)

const namespace = "flowclf"

// Chunk outcomes used as the "outcome" label.
const (
	OutcomeProcessed = "processed"
	OutcomeSchema    = "schema"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Metrics groups every collector of one process.
type Metrics struct {
	registry *prometheus.Registry

	Chunks        *prometheus.CounterVec
	Samples       *prometheus.CounterVec
	DroppedRows   *prometheus.CounterVec
	UnknownLabels prometheus.Counter
	Drifts        prometheus.Counter
	ChunkDuration *prometheus.HistogramVec
	Members       prometheus.Gauge
	Classes       prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks read, by phase and outcome.",
		}, []string{"phase", "outcome"}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Rows trained on or evaluated, by phase.",
		}, []string{"phase"}),
		DroppedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_rows_total",
			Help:      "Rows dropped because their label was missing, by phase.",
		}, []string{"phase"}),
		UnknownLabels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_labels_total",
			Help:      "Evaluation rows dropped because the frozen codebook did not know their label.",
		}),
		Drifts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drift_detections_total",
			Help:      "Concept drift detections during training.",
		}),
		ChunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall-clock time spent on one chunk, by phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"phase"}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ensemble_members",
			Help:      "Members of the chunk ensemble.",
		}),
		Classes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "codebook_classes",
			Help:      "Labels known to the codebook.",
		}),
	}
	m.registry.MustRegister(
		m.Chunks, m.Samples, m.DroppedRows, m.UnknownLabels,
		m.Drifts, m.ChunkDuration, m.Members, m.Classes,
	)
	return m
}

// Registry exposes the registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveChunk records one chunk outcome and how long it took.
func (m *Metrics) ObserveChunk(phase, outcome string, started time.Time) {
	m.Chunks.WithLabelValues(phase, outcome).Inc()
	m.ChunkDuration.WithLabelValues(phase).Observe(time.Since(started).Seconds())
}

// AddSamples adds n processed rows for phase.
func (m *Metrics) AddSamples(phase string, n int) {
	m.Samples.WithLabelValues(phase).Add(float64(n))
}

// AddDropped adds n rows dropped for a missing label.
func (m *Metrics) AddDropped(phase string, n int) {
	if n > 0 {
		m.DroppedRows.WithLabelValues(phase).Add(float64(n))
	}
}

// WriteTextfile writes the current values in the text exposition format.
// The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "write metrics %s", path)
	}
	return nil
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "serve metrics on %s", addr)
	}
}
