// Package metrics exposes the scheduler's cycle and pool-movement
// counters to Prometheus. One registry is built at startup (Init) and
// scraped through Handler; every recorder function is nil-guarded so
// packages can call them unconditionally even before Init runs (e.g.
// from tests) without crashing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// cycleDurationBuckets covers a single orchestrator cycle, which is
// dominated by paged HTTP fetches rather than CPU work.
var cycleDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// httpDurationBuckets covers one cluster-manager REST call.
var httpDurationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics wraps the Prometheus collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal       *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	cycleSkipsTotal   *prometheus.CounterVec
	queriesFetched    prometheus.Histogram
	poolsManaged      prometheus.Gauge
	poolMemoryMB      *prometheus.GaugeVec
	poolWaitSeconds   *prometheus.GaugeVec
	poolRunSeconds    *prometheus.GaugeVec
	poolWaitMemAvg    *prometheus.GaugeVec
	poolUsedMemAvg    *prometheus.GaugeVec
	movesTotal        *prometheus.CounterVec
	movedMemoryMB     *prometheus.CounterVec
	lastCycleUnixTime prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRetriesTotal    *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var (
	m         *Metrics
	startTime = time.Now()
)

// Init builds the registry under namespace (e.g. "poolsched") and
// registers the default Go/process collectors alongside the scheduler's
// own metric set. Calling Init more than once replaces the previous
// registry; callers should call it exactly once at startup.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	nm := &Metrics{
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total orchestrator cycles by outcome (applied, no_change, health_skip, lock_not_held, config_error, transport_error, allocation_bug).",
		}, []string{"outcome"}),

		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one orchestrator cycle.",
			Buckets:   cycleDurationBuckets,
		}),

		cycleSkipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_skips_total",
			Help:      "Cycles skipped before reallocation, by reason (health, lock_not_held).",
		}, []string{"reason"}),

		queriesFetched: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queries_fetched",
			Help:      "Number of deduplicated query records fetched per cycle.",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),

		poolsManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pools_managed",
			Help:      "Number of pools named in the scheduler's managed pool set.",
		}),

		poolMemoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_memory_mb",
			Help:      "Current max_memory of a pool after the last applied cycle, in MB.",
		}, []string{"pool"}),

		poolWaitSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_wait_seconds",
			Help:      "Union-of-intervals admission wait seconds observed in the last cycle's window.",
		}, []string{"pool"}),

		poolRunSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_run_seconds",
			Help:      "Union-of-intervals run seconds observed in the last cycle's window.",
		}, []string{"pool"}),

		poolWaitMemAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_wait_mem_avg_mb",
			Help:      "Time-weighted average memory demanded while waiting, in MB.",
		}, []string{"pool"}),

		poolUsedMemAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_used_mem_avg_mb",
			Help:      "Time-weighted average memory in use while running, in MB.",
		}, []string{"pool"}),

		movesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_moves_total",
			Help:      "Memory transfers applied to a pool, by direction (donor, recipient).",
		}, []string{"pool", "direction"}),

		movedMemoryMB: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_moved_memory_mb_total",
			Help:      "Cumulative MB moved into or out of a pool, by direction.",
		}, []string{"pool", "direction"}),

		lastCycleUnixTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_unixtime",
			Help:      "Unix timestamp of the most recently completed cycle.",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clustermanager_requests_total",
			Help:      "Cluster-manager REST calls by operation and outcome.",
		}, []string{"operation", "outcome"}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clustermanager_request_duration_seconds",
			Help:      "Latency of cluster-manager REST calls.",
			Buckets:   httpDurationBuckets,
		}, []string{"operation"}),

		httpRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clustermanager_retries_total",
			Help:      "Cluster-manager REST calls that were retried at least once.",
		}, []string{"operation"}),
	}

	nm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the scheduler process started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})

	registry.MustRegister(
		nm.cyclesTotal,
		nm.cycleDuration,
		nm.cycleSkipsTotal,
		nm.queriesFetched,
		nm.poolsManaged,
		nm.poolMemoryMB,
		nm.poolWaitSeconds,
		nm.poolRunSeconds,
		nm.poolWaitMemAvg,
		nm.poolUsedMemAvg,
		nm.movesTotal,
		nm.movedMemoryMB,
		nm.lastCycleUnixTime,
		nm.httpRequestsTotal,
		nm.httpRequestDuration,
		nm.httpRetriesTotal,
		nm.uptime,
	)

	m = nm
	return nm
}

// RecordCycle records the terminal outcome and duration of one cycle.
func RecordCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.lastCycleUnixTime.Set(float64(time.Now().Unix()))
}

// RecordCycleSkip records a non-fatal skip (health check failure, leader
// lock held by another replica) before a cycle reaches its apply step.
func RecordCycleSkip(reason string) {
	if m == nil {
		return
	}
	m.cycleSkipsTotal.WithLabelValues(reason).Inc()
}

// RecordQueriesFetched records the deduplicated query count for a cycle.
func RecordQueriesFetched(n int) {
	if m == nil {
		return
	}
	m.queriesFetched.Observe(float64(n))
}

// SetPoolsManaged sets the gauge of pools named in the scheduler's
// managed pool set.
func SetPoolsManaged(n int) {
	if m == nil {
		return
	}
	m.poolsManaged.Set(float64(n))
}

// SetPoolGauges updates the per-pool gauges published after a cycle
// (whether or not that pool's memory changed).
func SetPoolGauges(pool string, memoryMB, waitSecs, runSecs, waitMemAvg, usedMemAvg float64) {
	if m == nil {
		return
	}
	m.poolMemoryMB.WithLabelValues(pool).Set(memoryMB)
	m.poolWaitSeconds.WithLabelValues(pool).Set(waitSecs)
	m.poolRunSeconds.WithLabelValues(pool).Set(runSecs)
	m.poolWaitMemAvg.WithLabelValues(pool).Set(waitMemAvg)
	m.poolUsedMemAvg.WithLabelValues(pool).Set(usedMemAvg)
}

// RecordMove records one pool's memory transfer, classified as "donor"
// (deltaMB negative) or "recipient" (positive).
func RecordMove(pool string, deltaMB float64) {
	if m == nil {
		return
	}
	direction := "recipient"
	magnitude := deltaMB
	if deltaMB < 0 {
		direction = "donor"
		magnitude = -deltaMB
	}
	m.movesTotal.WithLabelValues(pool, direction).Inc()
	m.movedMemoryMB.WithLabelValues(pool, direction).Add(magnitude)
}

// RecordHTTPRequest records one cluster-manager call's outcome, latency,
// and whether it required a retry.
func RecordHTTPRequest(operation, outcome string, duration time.Duration, retried bool) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.httpRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if retried {
		m.httpRetriesTotal.WithLabelValues(operation).Inc()
	}
}

// Handler returns an HTTP handler for Prometheus scraping. Before Init
// has run it serves 503 rather than panicking, since some entry points
// (utility CLI commands) never call Init.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the active Prometheus registry, or nil before Init.
func Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartTime returns the time the metrics package was loaded.
func StartTime() time.Time {
	return startTime
}
