// Package metrics defines the Prometheus collectors used by the engine.
// A nil *Metrics is valid and records nothing, which keeps engine packages
// usable without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors for one engine instance.
type Metrics struct {
	EventsIngested      prometheus.Counter
	EventWeight         prometheus.Counter
	EventsRejected      *prometheus.CounterVec
	TrackerEvictions    prometheus.Counter
	SketchAttenuations  *prometheus.CounterVec
	Reconciliations     *prometheus.CounterVec
	ReconcileDuration   prometheus.Histogram
	WindowDistinctItems prometheus.Gauge
	LeaderboardGen      *prometheus.GaugeVec
	PublishErrors       *prometheus.CounterVec
	StoreFailures       prometheus.Counter
	StorePending        prometheus.Gauge
	SinkErrors          *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of the global registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hh_events_ingested_total",
			Help: "Events dispatched into the sketch and the exact counter.",
		}),
		EventWeight: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hh_event_weight_total",
			Help: "Sum of dispatched event weights.",
		}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hh_events_rejected_total",
			Help: "Events dropped before dispatch, by reason.",
		}, []string{"reason"}),
		TrackerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hh_tracker_evictions_total",
			Help: "Items evicted from the approximate top-k set.",
		}),
		SketchAttenuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hh_sketch_attenuations_total",
			Help: "Sketch decay or reset passes, by policy.",
		}, []string{"policy"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hh_reconciliations_total",
			Help: "Reconciliation attempts by outcome.",
		}, []string{"outcome"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hh_reconcile_duration_seconds",
			Help:    "Time from window extraction to publication.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		WindowDistinctItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hh_window_distinct_items",
			Help: "Distinct items in the last extracted exact window.",
		}),
		LeaderboardGen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hh_leaderboard_generation",
			Help: "Generation of the most recent snapshot, by source.",
		}, []string{"source"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hh_publish_errors_total",
			Help: "Snapshots that were not published, by reason.",
		}, []string{"reason"}),
		StoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hh_store_failures_total",
			Help: "Failed attempts to persist a closed window.",
		}),
		StorePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hh_store_pending_windows",
			Help: "Closed windows waiting to be persisted.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hh_sink_errors_total",
			Help: "Snapshot mirror failures, by sink.",
		}, []string{"sink"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.EventsIngested,
		m.EventWeight,
		m.EventsRejected,
		m.TrackerEvictions,
		m.SketchAttenuations,
		m.Reconciliations,
		m.ReconcileDuration,
		m.WindowDistinctItems,
		m.LeaderboardGen,
		m.PublishErrors,
		m.StoreFailures,
		m.StorePending,
		m.SinkErrors,
	)
	return m
}

// Handler returns the scrape handler for the registry the metrics live on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingested(weight uint64) {
	if m == nil {
		return
	}
	m.EventsIngested.Inc()
	m.EventWeight.Add(float64(weight))
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.EventsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.TrackerEvictions.Inc()
}

func (m *Metrics) Attenuated(policy string) {
	if m == nil {
		return
	}
	m.SketchAttenuations.WithLabelValues(policy).Inc()
}

func (m *Metrics) Reconciled(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.ReconcileDuration.Observe(seconds)
	}
}

func (m *Metrics) WindowSize(distinct int) {
	if m == nil {
		return
	}
	m.WindowDistinctItems.Set(float64(distinct))
}

func (m *Metrics) Published(source string, generation uint64) {
	if m == nil {
		return
	}
	m.LeaderboardGen.WithLabelValues(source).Set(float64(generation))
}

func (m *Metrics) PublishFailed(reason string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) StoreFailed(pending int) {
	if m == nil {
		return
	}
	m.StoreFailures.Inc()
	m.StorePending.Set(float64(pending))
}

func (m *Metrics) StoreQueue(pending int) {
	if m == nil {
		return
	}
	m.StorePending.Set(float64(pending))
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}
