// Package metrics exposes the pipeline's Prometheus instruments. Every
// recording method is safe to call on a nil *Metrics, so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "herald"

// Metrics holds a private registry and the instruments registered on it.
type Metrics struct {
	reg *prometheus.Registry

	oracleCalls    *prometheus.CounterVec
	cacheRequests  *prometheus.CounterVec
	repairOutcomes *prometheus.CounterVec
	events         *prometheus.CounterVec
	runs           *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	qualityScore   *prometheus.GaugeVec
	lastRunTS      prometheus.Gauge
}

// New creates a registry with Go and process collectors plus the pipeline
// instruments.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.oracleCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_calls_total",
		Help:      "Oracle invocations by outcome",
	}, []string{"outcome"})
	m.cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by namespace and result",
	}, []string{"namespace", "result"})
	m.repairOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repair_outcomes_total",
		Help:      "Response repair results",
	}, []string{"outcome"})
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Events produced by the extraction engine, by origin",
	}, []string{"origin"})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Pipeline runs by status",
	}, []string{"status"})
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
	}, []string{"stage"})
	m.qualityScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "quality_score",
		Help:      "Latest validation score by metric",
	}, []string{"metric"})
	m.lastRunTS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last completed run",
	})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.oracleCalls, m.cacheRequests, m.repairOutcomes, m.events,
		m.runs, m.stageDuration, m.qualityScore, m.lastRunTS,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) OracleCall(outcome string) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(ns string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(ns, result).Inc()
}

func (m *Metrics) RepairOutcome(outcome string) {
	if m == nil {
		return
	}
	m.repairOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Events(origin string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.events.WithLabelValues(origin).Add(float64(n))
}

func (m *Metrics) Run(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.lastRunTS.Set(float64(time.Now().Unix()))
}

func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) QualityScore(metric string, score float64) {
	if m == nil {
		return
	}
	m.qualityScore.WithLabelValues(metric).Set(score)
}
