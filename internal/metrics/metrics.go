// Package metrics provides Prometheus instrumentation for the CCCC
// daemon kernel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ambient HTTP metrics (the loopback /metrics listener itself).
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_http_requests_total",
		Help: "Total number of HTTP requests served by the ambient metrics listener.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cccc_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// IPC server metrics (C7).
var (
	IPCRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_ipc_requests_total",
		Help: "Total number of IPC operations handled, by op and result code.",
	}, []string{"op", "code"})

	IPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cccc_ipc_request_duration_seconds",
		Help:    "IPC operation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	IPCStreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cccc_ipc_stream_subscribers",
		Help: "Number of currently open event-stream and terminal-attach upgrades.",
	})
)

// Ledger metrics (C2).
var (
	LedgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_ledger_appends_total",
		Help: "Total number of events appended, by group and kind.",
	}, []string{"group_id", "kind"})

	LedgerBlobSpillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_ledger_blob_spills_total",
		Help: "Total number of event rows spilled to the blob store for exceeding MAX_EVENT_BYTES.",
	}, []string{"group_id"})

	LedgerActiveBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cccc_ledger_active_bytes",
		Help: "Size in bytes of the active (uncompacted) ledger file per group.",
	}, []string{"group_id"})

	LedgerCompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_ledger_compactions_total",
		Help: "Total number of compaction cycles run, by group.",
	}, []string{"group_id"})
)

// Bus metrics (C8).
var (
	BusSubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cccc_bus_subscribers_active",
		Help: "Number of currently active bus subscriptions across all groups.",
	})

	BusEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_bus_events_published_total",
		Help: "Total number of events published to the bus, by group.",
	}, []string{"group_id"})

	BusSubscriberDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_bus_subscriber_dropped_total",
		Help: "Total number of subscribers closed for exceeding their outbound queue high-water mark.",
	}, []string{"group_id"})
)

// Actor supervisor metrics (C4).
var (
	ActorsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cccc_actors_running",
		Help: "Number of actors currently in the running state, by group.",
	}, []string{"group_id"})

	ActorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_actor_restarts_total",
		Help: "Total number of actor restarts, by group, actor and cause.",
	}, []string{"group_id", "actor_id", "cause"})
)

// Delivery pipeline metrics (C5).
var (
	DeliveryInjectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_delivery_injections_total",
		Help: "Total number of best-effort PTY injections attempted, by group and result.",
	}, []string{"group_id", "result"})

	DeliveryQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cccc_delivery_queue_depth",
		Help: "Current depth of the per-actor FIFO injection queue.",
	}, []string{"group_id", "actor_id"})

	DeliveryDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_delivery_dropped_total",
		Help: "Total number of queued injections dropped due to FIFO overflow.",
	}, []string{"group_id", "actor_id"})
)

// Automation metrics (C6).
var (
	AutomationNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cccc_automation_notifications_total",
		Help: "Total number of system.notify events emitted by the automation loop, by group and policy.",
	}, []string{"group_id", "policy"})
)
