// Package metrics also keeps a small in-process registry of counters, gauges
// and last-value histograms. The worker pool and orchestrator report through
// it; the scan summary and tests read it back without scraping Prometheus.
package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MetricType represents the type of metric.
type MetricType string

const (
	TypeCounter   MetricType = "counter"
	TypeGauge     MetricType = "gauge"
	TypeHistogram MetricType = "histogram"
)

// Labels represents key-value pairs for metric labels.
type Labels map[string]string

// Metric represents a single metric with its metadata.
type Metric struct {
	Name      string
	Type      MetricType
	Value     float64
	Count     uint64
	Labels    Labels
	Timestamp time.Time
}

// Registry holds all metrics and provides collection functionality.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	enabled bool
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		enabled: true,
	}
}

// SetEnabled enables or disables metrics collection.
func (r *Registry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether metrics collection is enabled.
func (r *Registry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Counter increments a counter metric.
func (r *Registry) Counter(name string, labels Labels) {
	r.Add(name, 1, labels)
}

// Add increases a counter metric by delta.
func (r *Registry) Add(name string, delta float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value += delta
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeCounter,
		Value:     delta,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Gauge sets a gauge metric value.
func (r *Registry) Gauge(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeGauge,
		Value:     value,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Histogram records a value in a histogram metric. Only the last value and
// the number of observations are kept.
func (r *Registry) Histogram(name string, value float64, labels Labels) {
	if !r.IsEnabled() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(name, labels)
	if metric, exists := r.metrics[key]; exists {
		metric.Value = value
		metric.Count++
		metric.Timestamp = time.Now()
		return
	}
	r.metrics[key] = &Metric{
		Name:      name,
		Type:      TypeHistogram,
		Value:     value,
		Count:     1,
		Labels:    copyLabels(labels),
		Timestamp: time.Now(),
	}
}

// Get returns a copy of one metric.
func (r *Registry) Get(name string, labels Labels) (Metric, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[makeKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	c := *m
	c.Labels = copyLabels(m.Labels)
	return c, true
}

// GetMetrics returns a snapshot of all current metrics.
func (r *Registry) GetMetrics() map[string]*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Metric, len(r.metrics))
	for key, metric := range r.metrics {
		c := *metric
		c.Labels = copyLabels(metric.Labels)
		result[key] = &c
	}
	return result
}

// Reset clears all metrics.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = make(map[string]*Metric)
}

// makeKey creates a unique key for a metric based on name and labels.
// Label keys are sorted so the same label set always maps to one key.
func makeKey(name string, labels Labels) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels Labels) Labels {
	if labels == nil {
		return nil
	}
	result := make(Labels, len(labels))
	for k, v := range labels {
		result[k] = v
	}
	return result
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = NewRegistry()
)

// SetDefault sets the default metrics registry.
func SetDefault(registry *Registry) {
	defaultMu.Lock()
	defaultRegistry = registry
	defaultMu.Unlock()
}

// Default returns the default metrics registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// Counter increments a counter metric on the default registry.
func Counter(name string, labels Labels) {
	Default().Counter(name, labels)
}

// Gauge sets a gauge metric on the default registry.
func Gauge(name string, value float64, labels Labels) {
	Default().Gauge(name, value, labels)
}

// Histogram records a histogram value on the default registry.
func Histogram(name string, value float64, labels Labels) {
	Default().Histogram(name, value, labels)
}

// GetMetrics returns all metrics from the default registry.
func GetMetrics() map[string]*Metric {
	return Default().GetMetrics()
}

// Reset clears all metrics from the default registry.
func Reset() {
	Default().Reset()
}

// Timer provides a simple way to measure execution time.
type Timer struct {
	start    time.Time
	name     string
	labels   Labels
	registry MetricsRegistry
}

// NewTimer creates a timer that reports to the default registry.
func NewTimer(name string, labels Labels) *Timer {
	return NewTimerOn(Default(), name, labels)
}

// NewTimerOn creates a timer that reports to registry.
func NewTimerOn(registry MetricsRegistry, name string, labels Labels) *Timer {
	return &Timer{
		start:    time.Now(),
		name:     name,
		labels:   labels,
		registry: registry,
	}
}

// Stop records the elapsed time in seconds as a histogram and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.registry.Histogram(t.name, d.Seconds(), t.labels)
	return d
}

// Predefined metric names.
const (
	MetricProbesTotal      = "probes_total"
	MetricProbeDuration    = "probe_duration_seconds"
	MetricProbeErrors      = "probe_errors_total"
	MetricHostsScanned     = "hosts_scanned_total"
	MetricTasksCancelled   = "tasks_cancelled_total"
	MetricCacheHits        = "result_cache_hits_total"
	MetricLearningUpdates  = "learning_updates_total"
	MetricStoreFlushes     = "store_flushes_total"
	MetricJobsSubmitted    = "jobs_submitted_total"
	MetricJobsCompleted    = "jobs_completed_total"
	MetricJobsSkipped      = "jobs_skipped_total"
	MetricJobDuration      = "job_duration_seconds"
	MetricWorkerPoolSize   = "worker_pool_size"
	MetricDatabaseQueries  = "database_queries_total"
	MetricDatabaseDuration = "database_query_duration_seconds"
)

// Common label keys.
const (
	LabelScanType  = "scan_type"
	LabelClass     = "class"
	LabelStatus    = "status"
	LabelCode      = "code"
	LabelJobType   = "job_type"
	LabelOperation = "operation"
	LabelComponent = "component"
)

// RecordProbe records a completed probe on the default registry.
func RecordProbe(scanType, class, status string, duration time.Duration) {
	RecordProbeOn(Default(), scanType, class, status, duration)
}

// RecordProbeOn records a completed probe on registry.
func RecordProbeOn(registry MetricsRegistry, scanType, class, status string, duration time.Duration) {
	registry.Counter(MetricProbesTotal, Labels{
		LabelScanType: scanType,
		LabelClass:    class,
		LabelStatus:   status,
	})
	registry.Histogram(MetricProbeDuration, duration.Seconds(), Labels{
		LabelScanType: scanType,
		LabelClass:    class,
	})
}

// RecordStoreFlush records an adaptive store flush on the default registry.
func RecordStoreFlush(err error) {
	RecordStoreFlushOn(Default(), err)
}

// RecordStoreFlushOn records an adaptive store flush on registry.
func RecordStoreFlushOn(registry MetricsRegistry, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	registry.Counter(MetricStoreFlushes, Labels{LabelStatus: status})
}

// RecordDatabaseQuery records results sink query metrics.
func RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	Counter(MetricDatabaseQueries, Labels{
		LabelOperation: operation,
		LabelStatus:    status,
	})

	Histogram(MetricDatabaseDuration, duration.Seconds(), Labels{
		LabelOperation: operation,
	})
}
