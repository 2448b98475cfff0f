package objectstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tapstream/metric"
)

// storeMetrics holds Prometheus metrics for object store operations.
type storeMetrics struct {
	// Operation counters
	writeOps *prometheus.CounterVec // By bucket
	listOps  *prometheus.CounterVec // By bucket

	// Operation latency
	writeLatency *prometheus.HistogramVec // By bucket
	listLatency  *prometheus.HistogramVec // By bucket

	writtenBytes *prometheus.CounterVec // By bucket

	// Error counters
	errors *prometheus.CounterVec // By bucket and operation
}

// newStoreMetrics creates and registers object store metrics with the provided registry.
func newStoreMetrics(registry *metric.MetricsRegistry) (*storeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &storeMetrics{
		writeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "write_operations_total",
			Help:      "Total number of objects written",
		}, []string{"bucket"}),

		listOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "list_operations_total",
			Help:      "Total number of list operations",
		}, []string{"bucket"}),

		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "write_duration_seconds",
			Help:      "Object write duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 10.0},
		}, []string{"bucket"}),

		listLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "list_duration_seconds",
			Help:      "List operation duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		}, []string{"bucket"}),

		writtenBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "written_bytes_total",
			Help:      "Total number of bytes written",
		}, []string{"bucket"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapstream",
			Subsystem: "objectstore",
			Name:      "operation_errors_total",
			Help:      "Total number of operation errors",
		}, []string{"bucket", "operation"}), // operation: put, list
	}

	for _, c := range []struct {
		name      string
		collector prometheus.Collector
	}{
		{"write_ops", m.writeOps},
		{"list_ops", m.listOps},
		{"write_latency", m.writeLatency},
		{"list_latency", m.listLatency},
		{"written_bytes", m.writtenBytes},
		{"errors", m.errors},
	} {
		if err := registry.Register("objectstore", c.name, c.collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// recordWrite records a completed object write.
func (m *storeMetrics) recordWrite(bucket string, seconds, size float64) {
	if m != nil {
		m.writeOps.WithLabelValues(bucket).Inc()
		m.writeLatency.WithLabelValues(bucket).Observe(seconds)
		m.writtenBytes.WithLabelValues(bucket).Add(size)
	}
}

// recordList records a list operation.
func (m *storeMetrics) recordList(bucket string, seconds float64) {
	if m != nil {
		m.listOps.WithLabelValues(bucket).Inc()
		m.listLatency.WithLabelValues(bucket).Observe(seconds)
	}
}

// recordError records an error metric.
func (m *storeMetrics) recordError(bucket, operation string) {
	if m != nil {
		m.errors.WithLabelValues(bucket, operation).Inc()
	}
}
