// Package metrics exposes the agent's operational counters and gauges
// via Prometheus. Always built in — there's no stripped-down,
// inexpensive-binary variant worth shipping for an already-small device
// agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every counter/gauge/histogram the agent publishes.
type Registry struct {
	MQTTConnectsTotal    prometheus.Counter
	MQTTDisconnectsTotal prometheus.Counter
	MQTTConnected        prometheus.Gauge
	MQTTReprovisionTotal prometheus.Counter

	SyncChangesCaptured prometheus.Counter
	SyncBatchesPublished prometheus.Counter
	SyncAcksReceived     prometheus.Counter
	SyncBufferDepth      prometheus.Gauge

	LogEventsIngested  prometheus.Counter
	LogBatchesShipped  prometheus.Counter
	LogBatchesDropped  prometheus.Counter
	LogDeliveryLatency prometheus.Histogram

	CommandsDispatchedTotal *prometheus.CounterVec
}

// New builds and registers a fresh Registry against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the global
// registry; pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		MQTTConnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_mqtt_connects_total",
			Help: "Total number of successful MQTT connection attempts.",
		}),
		MQTTDisconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_mqtt_disconnects_total",
			Help: "Total number of MQTT disconnect events.",
		}),
		MQTTConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_mqtt_connected",
			Help: "1 if the MQTT session is currently connected, else 0.",
		}),
		MQTTReprovisionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_mqtt_reprovision_total",
			Help: "Total number of reprovision attempts triggered by confirmed connect failures.",
		}),
		SyncChangesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sync_changes_captured_total",
			Help: "Total number of local mutations captured for sync.",
		}),
		SyncBatchesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sync_batches_published_total",
			Help: "Total number of sync batches published to the cloud.",
		}),
		SyncAcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_sync_acks_received_total",
			Help: "Total number of sync batch acknowledgements received.",
		}),
		SyncBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agent_sync_buffer_depth",
			Help: "Current number of unacknowledged change records.",
		}),
		LogEventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_log_events_ingested_total",
			Help: "Total number of log lines captured by the log shipper.",
		}),
		LogBatchesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_log_batches_shipped_total",
			Help: "Total number of log batches successfully delivered.",
		}),
		LogBatchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agent_log_batches_dropped_total",
			Help: "Total number of log batches dropped by outbound queue overflow.",
		}),
		LogDeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_log_delivery_latency_seconds",
			Help:    "Latency of log batch delivery calls.",
			Buckets: prometheus.DefBuckets,
		}),
		CommandsDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_commands_dispatched_total",
			Help: "Total number of commands dispatched, labeled by command name.",
		}, []string{"command"}),
	}

	reg.MustRegister(
		r.MQTTConnectsTotal,
		r.MQTTDisconnectsTotal,
		r.MQTTConnected,
		r.MQTTReprovisionTotal,
		r.SyncChangesCaptured,
		r.SyncBatchesPublished,
		r.SyncAcksReceived,
		r.SyncBufferDepth,
		r.LogEventsIngested,
		r.LogBatchesShipped,
		r.LogBatchesDropped,
		r.LogDeliveryLatency,
		r.CommandsDispatchedTotal,
	)

	return r
}

// Handler returns an http.Handler serving the registry in the
// Prometheus exposition format. Callers typically mount it at /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
