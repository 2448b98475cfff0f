package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the engine-wide Prometheus metrics
type Metrics struct {
	// Sync metrics
	RecordsTotal    *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	StreamsActive   prometheus.Gauge
	MessagesEmitted *prometheus.CounterVec

	// Batch metrics
	BatchFilesTotal    *prometheus.CounterVec
	BatchBytesTotal    *prometheus.CounterVec
	BatchWriteDuration *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapstream",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Total number of records synced",
			},
			[]string{"stream"},
		),

		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tapstream",
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Stream sync duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"stream", "status"},
		),

		StreamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "tapstream",
				Subsystem: "sync",
				Name:      "streams_active",
				Help:      "Number of streams currently syncing",
			},
		),

		MessagesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapstream",
				Subsystem: "messages",
				Name:      "emitted_total",
				Help:      "Total number of protocol messages emitted",
			},
			[]string{"type"},
		),

		BatchFilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapstream",
				Subsystem: "batch",
				Name:      "files_total",
				Help:      "Total number of batch files written",
			},
			[]string{"stream", "format"},
		),

		BatchBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapstream",
				Subsystem: "batch",
				Name:      "bytes_total",
				Help:      "Total number of encoded bytes written to batch files",
			},
			[]string{"stream", "format"},
		),

		BatchWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tapstream",
				Subsystem: "batch",
				Name:      "write_duration_seconds",
				Help:      "Batch write duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stream", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tapstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RecordsTotal,
		c.SyncDuration,
		c.StreamsActive,
		c.MessagesEmitted,
		c.BatchFilesTotal,
		c.BatchBytesTotal,
		c.BatchWriteDuration,
		c.ErrorsTotal,
	}
}

// RecordRecords adds n synced records for stream
func (c *Metrics) RecordRecords(stream string, n int) {
	if c == nil {
		return
	}
	c.RecordsTotal.WithLabelValues(stream).Add(float64(n))
}

// RecordSyncDuration records how long a stream sync took
func (c *Metrics) RecordSyncDuration(stream, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.SyncDuration.WithLabelValues(stream, status).Observe(d.Seconds())
}

// StreamStarted increments the active stream gauge
func (c *Metrics) StreamStarted() {
	if c == nil {
		return
	}
	c.StreamsActive.Inc()
}

// StreamFinished decrements the active stream gauge
func (c *Metrics) StreamFinished() {
	if c == nil {
		return
	}
	c.StreamsActive.Dec()
}

// RecordMessageEmitted increments the emitted message counter
func (c *Metrics) RecordMessageEmitted(messageType string) {
	if c == nil {
		return
	}
	c.MessagesEmitted.WithLabelValues(messageType).Inc()
}

// RecordBatchFile counts one written batch file and its size
func (c *Metrics) RecordBatchFile(stream, format string, size int64) {
	if c == nil {
		return
	}
	c.BatchFilesTotal.WithLabelValues(stream, format).Inc()
	c.BatchBytesTotal.WithLabelValues(stream, format).Add(float64(size))
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}
