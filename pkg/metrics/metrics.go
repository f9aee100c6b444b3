package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache metrics
	CacheEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pony_cache_entities",
			Help: "Number of cached entities by kind",
		},
		[]string{"kind"},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_cache_ops_total",
			Help: "Cache mutations by operation status code",
		},
		[]string{"code"},
	)

	// Bus metrics
	BusPublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_bus_publishes_total",
			Help: "Frames published on the bus by topic",
		},
		[]string{"topic"},
	)

	BusReceivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_bus_receives_total",
			Help: "Frames received from the bus by topic",
		},
		[]string{"topic"},
	)

	// Sync pipeline metrics
	SyncQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pony_sync_queue_depth",
			Help: "Tasks currently queued in the write-back pipeline",
		},
	)

	SyncTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_sync_tasks_total",
			Help: "Write-back tasks drained by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	SyncRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pony_sync_retries_total",
			Help: "Transient database errors retried by the sync worker",
		},
	)

	// Agent reconciliation metrics
	ReconcileActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_reconcile_actions_total",
			Help: "Reconciliation actions applied by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	DriftRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_drift_repairs_total",
			Help: "Connections repaired by the drift sweep, by direction",
		},
		[]string{"direction"},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pony_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	// Sink metrics
	SinkPointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pony_sink_points_total",
			Help: "Metric points written to the time-series sink",
		},
	)

	SinkDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pony_sink_drops_total",
			Help: "Metric points dropped because the sink was unavailable",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(CacheEntities)
	prometheus.MustRegister(CacheOpsTotal)
	prometheus.MustRegister(BusPublishesTotal)
	prometheus.MustRegister(BusReceivesTotal)
	prometheus.MustRegister(SyncQueueDepth)
	prometheus.MustRegister(SyncTasksTotal)
	prometheus.MustRegister(SyncRetriesTotal)
	prometheus.MustRegister(ReconcileActionsTotal)
	prometheus.MustRegister(DriftRepairsTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(SinkPointsTotal)
	prometheus.MustRegister(SinkDropsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
