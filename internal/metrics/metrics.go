// Package metrics contains the Prometheus collectors for the vetstream HTTP
// layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the collectors exported by the service.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	recordsStreamed prometheus.Counter
	streamFailures  *prometheus.CounterVec
}

// New registers the collectors against reg and returns the Metrics handle.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vetstream_http_requests_total",
				Help: "Total number of downstream requests handled",
			},
			[]string{"endpoint", "outcome"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vetstream_http_request_duration_seconds",
				Help:    "Downstream request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		recordsStreamed: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vetstream_records_streamed_total",
				Help: "Total number of review records re-emitted downstream",
			},
		),
		streamFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vetstream_stream_failures_total",
				Help: "Total number of terminal stream failures by stage",
			},
			[]string{"stage", "kind"},
		),
	}
}

// ObserveRequest records one completed downstream request.
func (m *Metrics) ObserveRequest(endpoint, outcome string, dur time.Duration) {
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

// RecordStreamed counts one record delivered to a downstream consumer.
func (m *Metrics) RecordStreamed() {
	m.recordsStreamed.Inc()
}

// StreamFailure counts a terminal failure. Stage is "control" for failures
// before any record was produced and "body" for mid-stream ones.
func (m *Metrics) StreamFailure(stage, kind string) {
	m.streamFailures.WithLabelValues(stage, kind).Inc()
}
