package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus instrumentation. Each server owns
// its own registry so multiple instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAdmitted prometheus.Counter
	connectionsRejected prometheus.Counter
	activeSessions      prometheus.Gauge
	commandsReceived    *prometheus.CounterVec
	messagesDelivered   *prometheus.CounterVec
	broadcastFanout     prometheus.Histogram
	relayChunks         prometheus.Counter
	relayBytes          prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		connectionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_admitted_total",
			Help: "Connections handed to the worker pool",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_rejected_total",
			Help: "Connections refused because the worker pool was full",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Live sessions in the registry",
		}),
		commandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_commands_received_total",
			Help: "Decoded commands by type",
		}, []string{"command"}),
		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_delivered_total",
			Help: "Direct messages delivered, by path (live or mailbox)",
		}, []string{"path"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_fanout",
			Help:    "Recipients reached per broadcast",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		}),
		relayChunks: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_relay_chunks_total",
			Help: "File chunks forwarded between sessions",
		}),
		relayBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_relay_bytes_total",
			Help: "File bytes forwarded between sessions",
		}),
	}
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordAdmitted() {
	m.connectionsAdmitted.Inc()
}

func (m *Metrics) RecordRejected() {
	m.connectionsRejected.Inc()
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordCommand(command string) {
	m.commandsReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordDelivery(path string) {
	m.messagesDelivered.WithLabelValues(path).Inc()
}

func (m *Metrics) RecordBroadcast(recipients int) {
	m.broadcastFanout.Observe(float64(recipients))
}

func (m *Metrics) RecordRelayChunk(bytes int) {
	m.relayChunks.Inc()
	m.relayBytes.Add(float64(bytes))
}
