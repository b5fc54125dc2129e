package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMetricType(t *testing.T) {
	tests := []struct {
		name       string
		metricType MetricType
		expected   string
	}{
		{"counter type", TypeCounter, "counter"},
		{"gauge type", TypeGauge, "gauge"},
		{"histogram type", TypeHistogram, "histogram"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.metricType) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(tt.metricType))
			}
		})
	}
}

func TestRegistryEnableDisable(t *testing.T) {
	registry := NewRegistry()
	if !registry.IsEnabled() {
		t.Fatal("Registry should be enabled by default")
	}

	registry.SetEnabled(false)
	registry.Counter("ignored", nil)
	if len(registry.GetMetrics()) != 0 {
		t.Error("Disabled registry should not record metrics")
	}

	registry.SetEnabled(true)
	registry.Counter("recorded", nil)
	if len(registry.GetMetrics()) != 1 {
		t.Error("Enabled registry should record metrics")
	}
}

func TestCounter(t *testing.T) {
	registry := NewRegistry()
	labels := Labels{LabelScanType: "syn", LabelStatus: "open"}

	registry.Counter(MetricProbesTotal, labels)
	registry.Counter(MetricProbesTotal, labels)
	registry.Add(MetricProbesTotal, 3, labels)

	m, ok := registry.Get(MetricProbesTotal, labels)
	if !ok {
		t.Fatal("Expected counter to exist")
	}
	if m.Value != 5 {
		t.Errorf("Expected value 5, got %f", m.Value)
	}
	if m.Type != TypeCounter {
		t.Errorf("Expected counter type, got %s", m.Type)
	}

	labels[LabelStatus] = "mutated"
	m, _ = registry.Get(MetricProbesTotal, Labels{LabelScanType: "syn", LabelStatus: "open"})
	if m.Labels[LabelStatus] != "open" {
		t.Error("Registry must not alias caller labels")
	}
}

func TestGaugeAndHistogram(t *testing.T) {
	registry := NewRegistry()

	registry.Gauge(MetricWorkerPoolSize, 4, nil)
	registry.Gauge(MetricWorkerPoolSize, 8, nil)
	if m, _ := registry.Get(MetricWorkerPoolSize, nil); m.Value != 8 {
		t.Errorf("Expected gauge 8, got %f", m.Value)
	}

	registry.Histogram(MetricProbeDuration, 0.5, nil)
	registry.Histogram(MetricProbeDuration, 0.25, nil)
	m, _ := registry.Get(MetricProbeDuration, nil)
	if m.Value != 0.25 || m.Count != 2 {
		t.Errorf("Expected last value 0.25 over 2 observations, got %f over %d", m.Value, m.Count)
	}
}

func TestMakeKey(t *testing.T) {
	tests := []struct {
		name   string
		labels Labels
		want   string
	}{
		{"no labels", nil, "m"},
		{"single label", Labels{"a": "1"}, "m:a=1"},
		{"sorted labels", Labels{"b": "2", "a": "1", "c": "3"}, "m:a=1:b=2:c=3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := makeKey("m", tt.labels); got != tt.want {
				t.Errorf("makeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	const goroutines, perGoroutine = 20, 200

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				registry.Counter("concurrent", Labels{"k": "v"})
				registry.Histogram("latency", float64(j), nil)
				_ = registry.GetMetrics()
			}
		}()
	}
	wg.Wait()

	m, _ := registry.Get("concurrent", Labels{"k": "v"})
	if m.Value != goroutines*perGoroutine {
		t.Errorf("Expected %d, got %f", goroutines*perGoroutine, m.Value)
	}
}

func TestTimer(t *testing.T) {
	registry := NewRegistry()
	timer := NewTimerOn(registry, MetricJobDuration, Labels{LabelJobType: "probe"})
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()

	if d < 5*time.Millisecond {
		t.Errorf("Expected at least 5ms, got %v", d)
	}
	m, ok := registry.Get(MetricJobDuration, Labels{LabelJobType: "probe"})
	if !ok || m.Value <= 0 {
		t.Error("Timer should record a positive duration")
	}
}

func TestHelperFunctions(t *testing.T) {
	original := Default()
	defer SetDefault(original)
	SetDefault(NewRegistry())

	RecordProbe("connect", "LAN", "closed", 20*time.Millisecond)
	RecordProbe("connect", "LAN", "closed", 30*time.Millisecond)
	RecordStoreFlush(nil)
	RecordStoreFlush(errors.New("disk full"))
	RecordDatabaseQuery("insert_port_results", time.Millisecond, true)

	if m, _ := Default().Get(MetricProbesTotal, Labels{LabelScanType: "connect", LabelClass: "LAN", LabelStatus: "closed"}); m.Value != 2 {
		t.Errorf("Expected 2 probes, got %f", m.Value)
	}
	if m, _ := Default().Get(MetricProbeDuration, Labels{LabelScanType: "connect", LabelClass: "LAN"}); m.Value != 0.03 {
		t.Errorf("Expected last probe duration 0.03, got %f", m.Value)
	}
	if _, ok := Default().Get(MetricStoreFlushes, Labels{LabelStatus: "error"}); !ok {
		t.Error("Expected failed flush to be counted")
	}
	if _, ok := Default().Get(MetricDatabaseQueries, Labels{LabelOperation: "insert_port_results", LabelStatus: "success"}); !ok {
		t.Error("Expected database query to be counted")
	}

	Reset()
	if len(GetMetrics()) != 0 {
		t.Error("Reset should clear the default registry")
	}
}
