package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the UDP echo service
type Metrics struct {
	registry *prometheus.Registry

	// UDP datagram metrics
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DatagramSize      prometheus.Histogram
	ReadErrors        prometheus.Counter

	// Echo metrics
	EchoesSent  prometheus.Counter
	BytesSent   prometheus.Counter
	SendErrors  prometheus.Counter
	EchoLatency prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry, together with the Go
// runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_datagrams_received_total",
			Help: "Total number of UDP datagrams received",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_bytes_received_total",
			Help: "Total number of payload bytes received",
		}),
		DatagramSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "udp_echo_datagram_size_bytes",
			Help:    "Size of received datagram payloads",
			Buckets: prometheus.ExponentialBuckets(16, 4, 7), // 16B to 64KB
		}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_read_errors_total",
			Help: "Total number of socket read errors",
		}),

		EchoesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_responses_sent_total",
			Help: "Total number of echo responses sent",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_bytes_sent_total",
			Help: "Total number of payload bytes echoed",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "udp_echo_send_errors_total",
			Help: "Total number of failed echo responses",
		}),
		EchoLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "udp_echo_handle_duration_seconds",
			Help:    "Time from datagram receipt to echo send completion",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8), // 10us to ~160ms
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "udp_echo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "udp_echo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "udp_echo_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler returns the HTTP handler exposing this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry for inspection
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordDatagramReceived counts an inbound datagram of the given size
func (m *Metrics) RecordDatagramReceived(sizeBytes int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
	m.DatagramSize.Observe(float64(sizeBytes))
}

// RecordReadError increments the read errors counter
func (m *Metrics) RecordReadError() {
	m.ReadErrors.Inc()
}

// RecordEchoSent records a successful echo
func (m *Metrics) RecordEchoSent(sizeBytes int, durationSeconds float64) {
	m.EchoesSent.Inc()
	m.BytesSent.Add(float64(sizeBytes))
	m.EchoLatency.Observe(durationSeconds)
}

// RecordSendError records a failed echo
func (m *Metrics) RecordSendError(durationSeconds float64) {
	m.SendErrors.Inc()
	m.EchoLatency.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
