// Package metrics defines the Prometheus collectors for request dispatch and
// streaming egress.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine and transports observe into.
type Metrics struct {
	registry *prometheus.Registry

	RequestsStarted *prometheus.CounterVec
	RequestsSuccess *prometheus.CounterVec
	RequestsError   *prometheus.CounterVec
	RequestsTimeout *prometheus.CounterVec
	PayloadBytes    prometheus.Histogram
	DurationMs      *prometheus.HistogramVec

	StreamingUpdates      *prometheus.CounterVec
	StreamingChannelDrops *prometheus.CounterVec
	StreamingSessionsLive prometheus.Gauge
	PublisherReconnects   *prometheus.CounterVec
	PublishFailures       *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_requests_started_total",
			Help: "Requests admitted by the execution engine.",
		}, []string{"request_type", "user", "channel"}),
		RequestsSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_requests_success_total",
			Help: "Requests completed with SUCCESS.",
		}, []string{"request_type", "user"}),
		RequestsError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_requests_error_total",
			Help: "Requests completed with ERROR.",
		}, []string{"request_type", "user"}),
		RequestsTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_requests_timeout_total",
			Help: "Requests that exceeded their TTL.",
		}, []string{"request_type", "user"}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dgate_request_payload_bytes",
			Help:    "Serialized request payload sizes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),
		DurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dgate_request_duration_ms",
			Help:    "Handler invocation duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"request_type"}),
		StreamingUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_streaming_updates_total",
			Help: "Streaming updates emitted, by egress channel.",
		}, []string{"channel"}),
		StreamingChannelDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_streaming_channel_dropped_total",
			Help: "Egress channels removed from sessions after persistent publish failure.",
		}, []string{"channel"}),
		StreamingSessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dgate_streaming_sessions_live",
			Help: "Streaming sessions currently registered.",
		}),
		PublisherReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_publisher_reconnects_total",
			Help: "Publisher reconnect attempts, by transport.",
		}, []string{"transport"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dgate_publish_failures_total",
			Help: "Publishes that failed after retries, by transport.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.RequestsStarted, m.RequestsSuccess, m.RequestsError, m.RequestsTimeout,
		m.PayloadBytes, m.DurationMs,
		m.StreamingUpdates, m.StreamingChannelDrops, m.StreamingSessionsLive,
		m.PublisherReconnects, m.PublishFailures,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
