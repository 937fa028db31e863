package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics instruments the background worker: audit-event consumption
// and the janitor sweep that reaps storage objects with no matching
// submission row.
type WorkerMetrics struct {
	registry *prometheus.Registry

	auditEventsTotal  *prometheus.CounterVec
	auditLagSeconds    *prometheus.HistogramVec
	janitorSweepTotal *prometheus.CounterVec
	janitorReapedTotal prometheus.Counter
	janitorDuration   prometheus.Histogram
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	auditEventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "audit_events_total",
			Help:      "Total audit events consumed, by submission status.",
		},
		[]string{"service", "status"},
	)
	auditLagSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "audit_event_lag_seconds",
			Help:      "Delay between pipeline completion and audit event consumption.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service"},
	)
	janitorSweepTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "janitor_sweeps_total",
			Help:      "Total janitor sweep runs, by outcome.",
		},
		[]string{"service", "outcome"},
	)
	janitorReapedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "janitor_reaped_files_total",
			Help:      "Total orphaned storage objects removed by the janitor.",
		},
	)
	janitorDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Subsystem: "worker",
			Name:      "janitor_sweep_duration_seconds",
			Help:      "Duration of a janitor sweep pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	registry.MustRegister(auditEventsTotal, auditLagSeconds, janitorSweepTotal, janitorReapedTotal, janitorDuration)

	return &WorkerMetrics{
		registry:           registry,
		auditEventsTotal:   auditEventsTotal,
		auditLagSeconds:    auditLagSeconds,
		janitorSweepTotal:  janitorSweepTotal,
		janitorReapedTotal: janitorReapedTotal,
		janitorDuration:    janitorDuration,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) RecordAuditEvent(service, status string, occurredAt time.Time) {
	if status == "" {
		status = "unknown"
	}
	m.auditEventsTotal.WithLabelValues(service, status).Inc()
	if lag := time.Since(occurredAt); lag > 0 {
		m.auditLagSeconds.WithLabelValues(service).Observe(lag.Seconds())
	}
}

func (m *WorkerMetrics) RecordJanitorSweep(service string, duration time.Duration, reaped int, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.janitorSweepTotal.WithLabelValues(service, outcome).Inc()
	m.janitorDuration.Observe(duration.Seconds())
	if reaped > 0 {
		m.janitorReapedTotal.Add(float64(reaped))
	}
}
