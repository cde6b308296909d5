// Package metrics exposes Prometheus instruments for the evaluation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credeval"

// Metrics holds the service's collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and the batch CLI free of registries.
type Metrics struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	divisionStatus     *prometheus.CounterVec
	lockRejections     prometheus.Counter
	reviewEnqueued     prometheus.Counter
	reviewResolved     *prometheus.CounterVec
	staleReviews     prometheus.Gauge
	catalogVersion     prometheus.Gauge
	catalogReloads     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluation runs by outcome.",
		}, []string{"outcome"}),
		evaluationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall time of committed evaluation runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		divisionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "division_status_total",
			Help:      "Committed division determinations by status.",
		}, []string{"division", "status"}),
		lockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrent_evaluations_rejected_total",
			Help:      "Evaluations refused because the transcript was locked.",
		}),
		reviewEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_items_enqueued_total",
			Help:      "Course records sent to the review queue.",
		}),
		reviewResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_items_resolved_total",
			Help:      "Review resolutions by action.",
		}, []string{"action"}),
		staleReviews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "review_items_stale",
			Help:      "Pending review items older than the sweep threshold.",
		}),
		catalogVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_version",
			Help:      "Version of the catalog snapshot in effect.",
		}),
		catalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_reloads_total",
			Help:      "Catalog reload attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.evaluationDuration,
		m.divisionStatus,
		m.lockRejections,
		m.reviewEnqueued,
		m.reviewResolved,
		m.staleReviews,
		m.catalogVersion,
		m.catalogReloads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// EvaluationCommitted records a successful run.
func (m *Metrics) EvaluationCommitted(outcome string, d time.Duration, divisionI, divisionII string) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(d.Seconds())
	m.divisionStatus.WithLabelValues("D1", divisionI).Inc()
	m.divisionStatus.WithLabelValues("D2", divisionII).Inc()
}

// EvaluationFailed records a run that did not commit.
func (m *Metrics) EvaluationFailed() {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues("failed").Inc()
}

// LockRejected records a refused concurrent evaluation.
func (m *Metrics) LockRejected() {
	if m == nil {
		return
	}
	m.lockRejections.Inc()
	m.evaluations.WithLabelValues("rejected").Inc()
}

// ReviewEnqueued records n new review items.
func (m *Metrics) ReviewEnqueued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reviewEnqueued.Add(float64(n))
}

// ReviewResolved records one resolution.
func (m *Metrics) ReviewResolved(action string) {
	if m == nil {
		return
	}
	m.reviewResolved.WithLabelValues(action).Inc()
}

// StaleReviews sets the number of overdue pending review items.
func (m *Metrics) StaleReviews(n int) {
	if m == nil {
		return
	}
	m.staleReviews.Set(float64(n))
}

// CatalogReloaded records a reload attempt.
func (m *Metrics) CatalogReloaded(version int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.catalogReloads.WithLabelValues("error").Inc()
		return
	}
	m.catalogReloads.WithLabelValues("ok").Inc()
	m.catalogVersion.Set(float64(version))
}
