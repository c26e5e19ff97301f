// Package metrics exposes Prometheus collectors for the gateway and
// worker processes, registered on the default registry and served by
// internal/ingress's /metrics handler, the same package-level-var style
// as the teacher's internal/single/monitoring/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection lifecycle (C4/C5).
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_connections_total",
		Help: "Total WebSocket connections accepted.",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_connections_active",
		Help: "Current number of live sessions.",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason.",
	}, []string{"reason"})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_disconnects_total",
		Help: "Session disconnects by reason and initiator.",
	}, []string{"reason", "initiated_by"})

	ConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_connection_duration_seconds",
		Help:    "Session lifetime from connect to disconnect.",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// Message flow (C4-C8).
	MessagesFromClient = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_from_client_total",
		Help: "Messages received from clients and published to the queue.",
	})

	MessagesToClient = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_to_client_total",
		Help: "Server-to-client messages delivered, locally or via the bus.",
	})

	BusPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_bus_publish_failures_total",
		Help: "Failed publishes to the per-instance/broadcast bus.",
	})

	QueuePublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_publish_failures_total",
		Help: "Failed publishes to the durable work queue.",
	})

	// Ownership directory (C2).
	OwnershipClaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_ownership_claims_total",
		Help: "Ownership claim attempts by outcome.",
	}, []string{"outcome"})

	OwnershipRefreshFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_ownership_refresh_failures_total",
		Help: "Failed ownership TTL refreshes.",
	})

	// Worker pipeline (C8).
	RoutesMatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_routes_matched_total",
		Help: "Worker messages routed, by destination endpoint.",
	}, []string{"endpoint"})

	RoutesUnmatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_routes_unmatched_total",
		Help: "Worker messages that matched no rule.",
	})

	QueueAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_acks_total",
		Help: "Queue messages acknowledged after successful forward.",
	})

	QueueNacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_nacks_total",
		Help: "Queue messages negatively acknowledged for redelivery.",
	})

	ForwardLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gw_forward_latency_seconds",
		Help:    "Latency of destination/rules-engine HTTP calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"target"})

	// Platform admission control (ambient, internal/platform).
	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_cpu_usage_percent",
		Help: "Container-aware CPU usage, percent of allocated CPUs.",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_goroutines_active",
		Help: "Current goroutine count.",
	})

	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_admission_rejections_total",
		Help: "Connections rejected by the resource guard, by check.",
	}, []string{"check"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		DisconnectsTotal,
		ConnectionDuration,
		MessagesFromClient,
		MessagesToClient,
		BusPublishFailures,
		QueuePublishFailures,
		OwnershipClaims,
		OwnershipRefreshFailures,
		RoutesMatched,
		RoutesUnmatched,
		QueueAcks,
		QueueNacks,
		ForwardLatency,
		CPUUsagePercent,
		GoroutinesActive,
		AdmissionRejections,
	)
}

// Handler returns the promhttp handler for internal/ingress's /metrics
// route.
func Handler() http.Handler {
	return promhttp.Handler()
}
