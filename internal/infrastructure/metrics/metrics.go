// Package metrics holds the prometheus collectors of the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "file_processor"

type Metrics struct {
	jobEvents   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	inFlight    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_events_total",
				Help:      "Worker events by type (active, completed, failed, retrying, skipped, stalled, expired).",
			},
			[]string{"type"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time spent extracting metadata, by outcome.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Jobs currently being processed.",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	reg.MustRegister(
		m.jobEvents,
		m.jobDuration,
		m.inFlight,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// JobEvent records one worker event. The duration is observed for the
// outcomes that ran the engine.
func (m *Metrics) JobEvent(eventType string, elapsed time.Duration) {
	m.jobEvents.WithLabelValues(eventType).Inc()

	switch eventType {
	case "active":
		m.inFlight.Inc()
	case "completed", "failed", "retrying":
		m.inFlight.Dec()
		m.jobDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) HTTPRequest(method, path, status string, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
