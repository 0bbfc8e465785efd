// Package metrics holds the Prometheus collectors for the ingest pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roadwatch"

type Metrics struct {
	ingests         *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	listeners       prometheus.Gauge
	deliveries      *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	journalAppends  *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ingests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingests_total",
			Help:      "Ingest requests by outcome (ok, invalid, storage_error).",
		}, []string{"outcome"}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time from receiving a submission to acknowledging it.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		listeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Currently subscribed live listener connections.",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-listener delivery attempts by outcome (ok, failed).",
		}, []string{"outcome"}),
		deliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent writing one record to one listener.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		journalAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_appends_total",
			Help:      "Ingest journal appends by outcome (ok, failed).",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Ingest(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ingests.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) ListenerAdded() {
	if m == nil {
		return
	}
	m.listeners.Inc()
}

func (m *Metrics) ListenerRemoved() {
	if m == nil {
		return
	}
	m.listeners.Dec()
}

func (m *Metrics) Delivery(ok bool, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome(ok)).Inc()
	m.deliveryLatency.Observe(seconds)
}

func (m *Metrics) JournalAppend(ok bool) {
	if m == nil {
		return
	}
	m.journalAppends.WithLabelValues(outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
