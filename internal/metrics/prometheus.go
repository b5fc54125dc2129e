// Package metrics provides Prometheus-based metrics collection for portscope.
// Probe outcomes, host completions, adaptive learning updates and store
// flushes are exported under the "portscope" namespace.
package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace for all portscope metrics
	namespace = "portscope"

	// Subsystems
	subsystemProbe    = "probe"
	subsystemHost     = "host"
	subsystemAdaptive = "adaptive"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
	subsystemAPI      = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Probe metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	probeErrors   *prometheus.CounterVec
	activeProbes  prometheus.Gauge

	// Host metrics
	hostsScanned *prometheus.CounterVec
	hostDuration *prometheus.HistogramVec
	activeHosts  prometheus.Gauge

	// Adaptive learning metrics
	learningUpdates    *prometheus.CounterVec
	learnedTimeout     *prometheus.GaugeVec
	learnedParallelism *prometheus.GaugeVec
	storeFlushes       *prometheus.CounterVec

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initHostMetrics()
	pm.initAdaptiveMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "total",
			Help:      "Total number of probes by scan type, network class and resulting port status",
		},
		[]string{"scan_type", "class", "status"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "duration_seconds",
			Help:      "Probe round-trip time in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"scan_type", "class"},
	)

	pm.probeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "errors_total",
			Help:      "Probe errors absorbed into results, by scan type and error code",
		},
		[]string{"scan_type", "code"},
	)

	pm.activeProbes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "in_flight",
			Help:      "Number of probes currently dispatched",
		},
	)
}

func (pm *PrometheusMetrics) initHostMetrics() {
	pm.hostsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHost,
			Name:      "total",
			Help:      "Total number of hosts finalized, by network class and outcome",
		},
		[]string{"class", "outcome"},
	)

	pm.hostDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemHost,
			Name:      "duration_seconds",
			Help:      "Time spent scanning a single host",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"class"},
	)

	pm.activeHosts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemHost,
			Name:      "active",
			Help:      "Number of hosts currently being scanned",
		},
	)
}

func (pm *PrometheusMetrics) initAdaptiveMetrics() {
	pm.learningUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "updates_total",
			Help:      "Outcomes folded into the learned profiles",
		},
		[]string{"class", "succeeded"},
	)

	pm.learnedTimeout = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "timeout_seconds",
			Help:      "Currently recommended probe timeout per network class",
		},
		[]string{"class"},
	)

	pm.learnedParallelism = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "parallelism",
			Help:      "Currently recommended per-host parallelism per network class",
		},
		[]string{"class"},
	)

	pm.storeFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAdaptive,
			Name:      "flushes_total",
			Help:      "Adaptive store flushes by status",
		},
		[]string{"status"},
	)
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of results sink queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of results sink queries in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.probeErrors,
		pm.activeProbes,

		pm.hostsScanned,
		pm.hostDuration,
		pm.activeHosts,

		pm.learningUpdates,
		pm.learnedTimeout,
		pm.learnedParallelism,
		pm.storeFlushes,

		pm.dbQueries,
		pm.dbQueryDuration,

		pm.httpRequests,
		pm.httpDuration,

		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

// Probe Metrics Methods

// RecordProbe counts one completed probe and observes its latency.
func (pm *PrometheusMetrics) RecordProbe(scanType, class, status string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(scanType, class, status).Inc()
	pm.probeDuration.WithLabelValues(scanType, class).Observe(duration.Seconds())
}

// IncrementProbeErrors counts a probe error by its error code.
func (pm *PrometheusMetrics) IncrementProbeErrors(scanType, code string) {
	pm.probeErrors.WithLabelValues(scanType, code).Inc()
}

// AddActiveProbes moves the in-flight probe gauge by delta.
func (pm *PrometheusMetrics) AddActiveProbes(delta int) {
	pm.activeProbes.Add(float64(delta))
}

// Host Metrics Methods

// RecordHost counts a finalized host and observes its scan duration.
func (pm *PrometheusMetrics) RecordHost(class, outcome string, duration time.Duration) {
	pm.hostsScanned.WithLabelValues(class, outcome).Inc()
	pm.hostDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// AddActiveHosts moves the active host gauge by delta.
func (pm *PrometheusMetrics) AddActiveHosts(delta int) {
	pm.activeHosts.Add(float64(delta))
}

// Adaptive Metrics Methods

// RecordLearningUpdate counts an outcome folded into a class profile.
func (pm *PrometheusMetrics) RecordLearningUpdate(class string, succeeded bool) {
	label := "false"
	if succeeded {
		label = "true"
	}
	pm.learningUpdates.WithLabelValues(class, label).Inc()
}

// SetRecommendation publishes the current recommendation for a class.
func (pm *PrometheusMetrics) SetRecommendation(class string, timeout time.Duration, parallelism int) {
	pm.learnedTimeout.WithLabelValues(class).Set(timeout.Seconds())
	pm.learnedParallelism.WithLabelValues(class).Set(float64(parallelism))
}

// IncrementStoreFlushes counts an adaptive store flush.
func (pm *PrometheusMetrics) IncrementStoreFlushes(status string) {
	pm.storeFlushes.WithLabelValues(status).Inc()
}

// Database Metrics Methods

// IncrementDatabaseQueries increments database query counter
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records database query duration
func (pm *PrometheusMetrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// API Metrics Methods

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the process uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// RecordDatabaseQueryPrometheus records database query metrics using global metrics
func RecordDatabaseQueryPrometheus(operation string, duration time.Duration, success bool) {
	m := GetGlobalMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}
