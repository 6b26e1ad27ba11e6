// Package metrics exposes the Prometheus instrumentation every pipeline
// component reports against, labeled by network and source where that
// distinction is useful to an operator.
package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_cache_queries_total",
			Help: "Total number of cache store queries",
		},
		[]string{"network", "operation"},
	)

	cacheQueryTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexor_cache_query_duration_seconds",
			Help:    "Duration of cache store queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "operation"},
	)

	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_cache_errors_total",
			Help: "Total number of cache store errors",
		},
		[]string{"network", "error_type"},
	)

	LastDispatchedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_last_dispatched_block",
			Help: "The last block number whose events were dispatched to handlers",
		},
		[]string{"network", "source"},
	)

	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_blocks_processed_total",
			Help: "Total number of blocks processed",
		},
		[]string{"network", "source"},
	)

	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_events_dispatched_total",
			Help: "Total number of decoded events dispatched to handlers",
		},
		[]string{"network", "source", "event"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexor_fetch_duration_seconds",
			Help:    "Time taken to fetch a range of logs or block headers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network", "task"},
	)

	SyncLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_sync_lag_blocks",
			Help: "Blocks between network tip and last dispatched block",
		},
		[]string{"network"},
	)

	ReorgsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_reorgs_detected_total",
			Help: "Total number of reorgs detected",
		},
		[]string{"network"},
	)

	ReorgDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexor_reorg_depth_blocks",
			Help:    "Depth in blocks of detected reorgs",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{"network"},
	)

	RPCRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_rpc_retries_total",
			Help: "Total number of RPC call retries",
		},
		[]string{"network", "method"},
	)

	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexor_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_errors_total",
			Help: "Total number of errors by component and severity",
		},
		[]string{"component", "severity"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexor_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	maintenanceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_maintenance_outcomes_total",
			Help: "Total number of cache store maintenance operations by outcome",
		},
		[]string{"network", "status"},
	)

	maintenanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexor_maintenance_duration_seconds",
			Help:    "Duration of cache store maintenance operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"network"},
	)

	maintenanceSpaceReclaimed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_maintenance_space_reclaimed_bytes",
			Help: "Bytes reclaimed by the last maintenance run",
		},
		[]string{"network"},
	)

	walCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_wal_checkpoint_total",
			Help: "Total number of WAL checkpoint operations",
		},
		[]string{"network", "mode"},
	)

	vacuumRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexor_vacuum_total",
			Help: "Total number of VACUUM operations",
		},
		[]string{"network"},
	)

	dbSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "indexor_db_size_bytes",
			Help: "Cache store file size in bytes",
		},
		[]string{"network"},
	)

	startTime = time.Now()
)

func MaintenanceErrorInc(network string) {
	maintenanceOutcomes.WithLabelValues(network, "error").Inc()
}

func MaintenanceSuccessInc(network string) {
	maintenanceOutcomes.WithLabelValues(network, "success").Inc()
}

func MaintenanceDurationLog(network string, duration time.Duration) {
	maintenanceDuration.WithLabelValues(network).Observe(duration.Seconds())
}

func MaintenanceSpaceReclaimedLog(network string, bytesReclaimed uint64) {
	maintenanceSpaceReclaimed.WithLabelValues(network).Set(float64(bytesReclaimed))
}

func WALCheckpointInc(network, mode string) {
	walCheckpoints.WithLabelValues(network, mode).Inc()
}

func VacuumRunsInc(network string) {
	vacuumRuns.WithLabelValues(network).Inc()
}

func DBSizeLog(network string, sizeBytes int64) {
	dbSize.WithLabelValues(network).Set(float64(sizeBytes))
}

func CacheQueryInc(network, operation string) {
	cacheQueries.WithLabelValues(network, operation).Inc()
}

func CacheQueryDuration(network, operation string, duration time.Duration) {
	cacheQueryTime.WithLabelValues(network, operation).Observe(duration.Seconds())
}

func CacheErrorInc(network, errorType string) {
	cacheErrors.WithLabelValues(network, errorType).Inc()
}

func LastDispatchedBlockSet(network, source string, blockNum uint64) {
	LastDispatchedBlock.WithLabelValues(network, source).Set(float64(blockNum))
}

func BlocksProcessedInc(network, source string, count uint64) {
	BlocksProcessed.WithLabelValues(network, source).Add(float64(count))
}

func EventsDispatchedInc(network, source, event string, count int) {
	EventsDispatched.WithLabelValues(network, source, event).Add(float64(count))
}

func FetchDurationLog(network, task string, duration time.Duration) {
	FetchDuration.WithLabelValues(network, task).Observe(duration.Seconds())
}

func SyncLagSet(network string, lag int64) {
	SyncLag.WithLabelValues(network).Set(float64(lag))
}

func ReorgDetectedLog(network string, depth uint64) {
	ReorgsDetected.WithLabelValues(network).Inc()
	ReorgDepth.WithLabelValues(network).Observe(float64(depth))
}

func RPCRetryInc(network, method string) {
	RPCRetries.WithLabelValues(network, method).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	val := float64(1)
	if !healthy {
		val = 0
	}
	ComponentHealth.WithLabelValues(component).Set(val)
}

// UpdateSystemMetrics refreshes runtime gauges. Nothing in this repository
// calls it on a schedule; the gauges change only when a caller invokes it.
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())
	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("total_alloc").Set(float64(m.TotalAlloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
