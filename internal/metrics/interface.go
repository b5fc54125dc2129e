package metrics

//go:generate mockgen -source=interface.go -destination=mocks/mock_registry.go -package=mocks

// MetricsRegistry is the reporting surface the worker pool and orchestrator
// depend on.
type MetricsRegistry interface {
	SetEnabled(enabled bool)
	IsEnabled() bool

	// Counter increments a counter metric with the given name and labels.
	Counter(name string, labels Labels)

	// Add increases a counter metric by delta.
	Add(name string, delta float64, labels Labels)

	// Gauge sets a gauge metric to the specified value.
	Gauge(name string, value float64, labels Labels)

	// Histogram records a value in a histogram metric.
	Histogram(name string, value float64, labels Labels)

	// GetMetrics returns a snapshot of all current metrics.
	GetMetrics() map[string]*Metric

	Reset()
}

var _ MetricsRegistry = (*Registry)(nil)
