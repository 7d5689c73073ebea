package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	chatConnectionsTotal  prometheus.Counter
	chatActiveConnections prometheus.Gauge
	chatMessagesSent      *prometheus.CounterVec
	chatReactionsToggled  *prometheus.CounterVec
	chatEventErrors       *prometheus.CounterVec
	chatDroppedDeliveries prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the HTTP surface and the chat engine.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_latency_seconds",
			Help:    "Latency distribution for HTTP requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of authenticated chat connections.",
		})

		chatActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_connections",
			Help: "Number of chat connections currently open on this node.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total number of chat messages persisted and delivered.",
		}, []string{"type"})

		chatReactionsToggled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_reactions_toggled_total",
			Help: "Total number of reaction toggles by outcome.",
		}, []string{"action"})

		chatEventErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_event_errors_total",
			Help: "Total number of client events answered with an error.",
		}, []string{"event", "kind"})

		chatDroppedDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_dropped_deliveries_total",
			Help: "Total number of outbound events dropped for slow consumers.",
		})

		prometheus.MustRegister(
			httpRequestsTotal,
			httpLatencySeconds,
			chatConnectionsTotal,
			chatActiveConnections,
			chatMessagesSent,
			chatReactionsToggled,
			chatEventErrors,
			chatDroppedDeliveries,
		)
	})
}

// HTTPRequests exposes the counter for HTTP requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for HTTP requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// ChatConnectionsTotal exposes the counter of accepted chat connections.
func ChatConnectionsTotal() prometheus.Counter {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatActiveConnections exposes the gauge of open chat connections.
func ChatActiveConnections() prometheus.Gauge {
	RegisterMetrics()
	return chatActiveConnections
}

// ChatMessagesSent exposes the counter of delivered messages by type.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// ChatReactionsToggled exposes the counter of reaction toggles by action.
func ChatReactionsToggled() *prometheus.CounterVec {
	RegisterMetrics()
	return chatReactionsToggled
}

// ChatEventErrors exposes the counter of failed client events.
func ChatEventErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatEventErrors
}

// ChatDroppedDeliveries exposes the counter of slow-consumer drops.
func ChatDroppedDeliveries() prometheus.Counter {
	RegisterMetrics()
	return chatDroppedDeliveries
}
