package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds every Prometheus collector exported on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	TotalNeighborsFound prometheus.Gauge
	FinalEvidenceCount  prometheus.Gauge
	SelectorTruncation  prometheus.Counter
	DroppedEvidenceIDs  prometheus.Counter
	BundleSizeBytes     prometheus.Histogram
	LLMFallback         *prometheus.CounterVec
	StageTimeouts       *prometheus.CounterVec
	LoadShedEnabled     prometheus.Gauge
	RequestDuration     *prometheus.HistogramVec
}

// NewMetrics registers the gateway collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TotalNeighborsFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_total_neighbors_found",
			Help: "Neighbors returned by the last graph expansion.",
		}),
		FinalEvidenceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_final_evidence_count",
			Help: "Evidence items remaining after the budget gate.",
		}),
		SelectorTruncation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_selector_truncation_total",
			Help: "Requests whose evidence was truncated to fit the prompt budget.",
		}),
		DroppedEvidenceIDs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dropped_evidence_ids",
			Help: "Evidence items dropped by the selector.",
		}),
		BundleSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_bundle_size_bytes",
			Help:    "Canonical evidence bundle size in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		}),
		LLMFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_llm_fallback_total",
			Help: "Responses produced by the deterministic templater.",
		}, []string{"reason"}),
		StageTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_timeouts_total",
			Help: "Stage deadline violations.",
		}, []string{"stage"}),
		LoadShedEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_load_shed_enabled",
			Help: "1 when new requests are being shed.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		m.TotalNeighborsFound,
		m.FinalEvidenceCount,
		m.SelectorTruncation,
		m.DroppedEvidenceIDs,
		m.BundleSizeBytes,
		m.LLMFallback,
		m.StageTimeouts,
		m.LoadShedEnabled,
		m.RequestDuration,
	)
	return m
}

// ObserveRequest records request latency, attaching the active trace id as
// an exemplar when one is present.
func (m *Metrics) ObserveRequest(ctx context.Context, route, status string, seconds float64) {
	obs := m.RequestDuration.WithLabelValues(route, status)
	span := trace.SpanContextFromContext(ctx)
	if span.IsSampled() {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(seconds, prometheus.Labels{"trace_id": span.TraceID().String()})
			return
		}
	}
	obs.Observe(seconds)
}
