package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Turns             *prometheus.CounterVec
	AssembleLatency   prometheus.Histogram
	ContextChars      prometheus.Histogram
	Truncations       prometheus.Counter
	DegradedSources   *prometheus.CounterVec
	StoreFailures     *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	DocumentsIngested *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments with reg. A nil reg uses the
// default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		AssembleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assemble_latency_ms",
			Help:      "Context assembly latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		ContextChars: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "context_chars",
			Help:      "Size of assembled context blocks in characters.",
			Buckets:   prometheus.ExponentialBuckets(250, 2, 8),
		}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_truncations_total",
			Help:      "Context blocks cut to fit the budget.",
		}),
		DegradedSources: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_degraded_total",
			Help:      "Context stages skipped because their source failed.",
		}, []string{"stage"}),
		StoreFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Per-user store write failures by operation.",
		}, []string{"op"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_evictions_total",
			Help:      "Rows removed by retention caps by kind.",
		}, []string{"kind"}),
		DocumentsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Documents stored by source.",
		}, []string{"source"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with a live in-memory buffer.",
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) TurnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// ObserveAssembly records one assembler run.
func (m *Metrics) ObserveAssembly(d time.Duration, chars int, truncated bool, degraded []string) {
	if m == nil {
		return
	}
	m.AssembleLatency.Observe(float64(d.Microseconds()) / 1000)
	m.ContextChars.Observe(float64(chars))
	if truncated {
		m.Truncations.Inc()
	}
	for _, entry := range degraded {
		stage, _, _ := strings.Cut(entry, ":")
		m.DegradedSources.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) Evicted(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) DocumentIngested(source string) {
	if m == nil {
		return
	}
	m.DocumentsIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
