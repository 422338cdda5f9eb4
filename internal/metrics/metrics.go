// Package metrics exposes Prometheus collectors for recurring refresh runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moneta"

// Refresh outcomes
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Recorder owns the recurring collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	refreshRuns  *prometheus.CounterVec
	materialized prometheus.Counter
	skipped      prometheus.Counter
	duration     prometheus.Histogram
	activeRules  prometheus.Gauge
	lastSuccess  prometheus.Gauge
}

// NewRecorder registers the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "refresh_runs_total",
			Help:      "Refresh runs by outcome.",
		}, []string{"outcome"}),
		materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "transactions_materialized_total",
			Help:      "Transactions generated from recurring rules.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "rules_skipped_total",
			Help:      "Rules left unchanged because they could not be materialized.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "active_rules",
			Help:      "Active rules seen by the last refresh.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recurring",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful refresh.",
		}),
	}

	r.registry.MustRegister(
		r.refreshRuns,
		r.materialized,
		r.skipped,
		r.duration,
		r.activeRules,
		r.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RefreshStats is what one refresh run reports.
type RefreshStats struct {
	Outcome     string
	Generated   int
	Skipped     int
	ActiveRules int
	Duration    time.Duration
	FinishedAt  time.Time
}

// ObserveRefresh records one run. A nil Recorder ignores the call.
func (r *Recorder) ObserveRefresh(s RefreshStats) {
	if r == nil {
		return
	}
	r.refreshRuns.WithLabelValues(s.Outcome).Inc()
	r.duration.Observe(s.Duration.Seconds())
	if s.Outcome != OutcomeSuccess {
		return
	}
	r.materialized.Add(float64(s.Generated))
	r.skipped.Add(float64(s.Skipped))
	r.activeRules.Set(float64(s.ActiveRules))
	r.lastSuccess.Set(float64(s.FinishedAt.Unix()))
}

// Registry returns the registry backing the recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
