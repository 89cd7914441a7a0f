package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name.
// namespace is always liveshare; subsystem groups by component
// (session, room, broadcast, snapshot, rate_limit, storage).

var (
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket sessions",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Total inbound/outbound messages by type and direction",
	}, []string{"message_type", "direction"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveshare",
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing an inbound message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "session",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Sessions closed for overflowing their outbound queue with undroppable messages",
	})

	GraphOpsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "room",
		Name:      "graph_ops_applied_total",
		Help:      "Graph operations applied, by kind and outcome",
	}, []string{"op_kind", "outcome"})

	BroadcastFullSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "broadcast",
		Name:      "full_syncs_total",
		Help:      "Full graph-state syncs sent, by reason",
	}, []string{"reason"})

	BroadcastDeltasSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "broadcast",
		Name:      "deltas_sent_total",
		Help:      "Incremental delta broadcasts sent",
	})

	SnapshotsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "snapshot",
		Name:      "created_total",
		Help:      "Snapshots created, by outcome (ok, too_large, storage_error)",
	}, []string{"outcome"})

	SnapshotSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "liveshare",
		Subsystem: "snapshot",
		Name:      "size_bytes",
		Help:      "Encoded size of created snapshots",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
	})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Requests or messages rejected for exceeding a rate limit",
	}, []string{"endpoint", "reason"})

	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against the distributed rate limiter",
	}, []string{"endpoint"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	StorageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Total storage port operations, by operation and status",
	}, []string{"operation", "status"})

	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveshare",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Duration of storage port operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
