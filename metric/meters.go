package metric

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Point types.
const (
	TypeCounter = "counter"
	TypeTimer   = "timer"
)

// Metric names.
const (
	RecordCount         = "record_count"
	SyncDuration        = "sync_duration"
	BatchProcessingTime = "batch_processing_time"
)

// Standard tag keys.
const (
	TagStream   = "stream"
	TagEndpoint = "endpoint"
	TagPID      = "pid"
	TagStatus   = "status"
	TagContext  = "context"
)

// Timer status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// LogMessage is the message every metric point is logged with.
const LogMessage = "METRIC"

// DefaultLogInterval is how often a counter logs its running value.
const DefaultLogInterval = time.Minute

// Tags are attached to every point of a meter.
type Tags map[string]any

// Point is one logged measurement.
type Point struct {
	Type   string  `json:"type"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Tags   Tags    `json:"tags"`
}

// LogValue renders the point as a slog group.
func (p Point) LogValue() slog.Value {
	tags := make([]slog.Attr, 0, len(p.Tags))
	for k, v := range p.Tags {
		tags = append(tags, slog.Any(k, v))
	}
	return slog.GroupValue(
		slog.String("type", p.Type),
		slog.String("metric", p.Metric),
		slog.Float64("value", p.Value),
		slog.Attr{Key: "tags", Value: slog.GroupValue(tags...)},
	)
}

type meterOptions struct {
	logger   *slog.Logger
	tags     Tags
	interval time.Duration
	counter  prometheus.Counter
	observer prometheus.ObserverVec
	now      func() time.Time
}

// Option configures a Counter or Timer.
type Option func(*meterOptions)

// WithLogger sets the logger points are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *meterOptions) { o.logger = logger }
}

// WithTags adds tags to every point.
func WithTags(tags Tags) Option {
	return func(o *meterOptions) {
		for k, v := range tags {
			o.tags[k] = v
		}
	}
}

// WithContext tags points with the stream partition context. A nil context
// removes the tag.
func WithContext(ctx map[string]any) Option {
	return func(o *meterOptions) {
		if ctx == nil {
			delete(o.tags, TagContext)
			return
		}
		o.tags[TagContext] = ctx
	}
}

// WithInterval sets the counter log interval.
func WithInterval(d time.Duration) Option {
	return func(o *meterOptions) { o.interval = d }
}

// WithPrometheusCounter mirrors counter increments into c.
func WithPrometheusCounter(c prometheus.Counter) Option {
	return func(o *meterOptions) { o.counter = c }
}

// WithPrometheusObserver mirrors timer observations into v, labelled by status.
func WithPrometheusObserver(v prometheus.ObserverVec) Option {
	return func(o *meterOptions) { o.observer = v }
}

func withClock(now func() time.Time) Option {
	return func(o *meterOptions) { o.now = now }
}

func buildOptions(opts []Option) meterOptions {
	o := meterOptions{
		tags:     Tags{TagPID: os.Getpid()},
		interval: DefaultLogInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func logPoint(logger *slog.Logger, p Point) {
	logger.LogAttrs(context.Background(), slog.LevelInfo, LogMessage, slog.Any("point", p))
}

// Counter accumulates a count and logs the running value at most once per
// interval. Close logs whatever has not been logged yet.
type Counter struct {
	mu        sync.Mutex
	name      string
	opts      meterOptions
	value     int64
	sometimes *rate.Sometimes
	closed    bool
}

// NewCounter starts a counter. The first interval starts now.
func NewCounter(name string, opts ...Option) *Counter {
	c := &Counter{
		name:      name,
		opts:      buildOptions(opts),
		sometimes: &rate.Sometimes{},
	}
	c.sometimes.Interval = c.opts.interval
	c.sometimes.Do(func() {})
	return c
}

// Tags returns a copy of the counter's tags.
func (c *Counter) Tags() Tags {
	out := make(Tags, len(c.opts.tags))
	for k, v := range c.opts.tags {
		out[k] = v
	}
	return out
}

// Increment adds n to the counter.
func (c *Counter) Increment(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.value += n
	if c.opts.counter != nil {
		c.opts.counter.Add(float64(n))
	}
	c.sometimes.Do(c.flushLocked)
}

// Value returns the count not yet logged.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *Counter) flushLocked() {
	logPoint(c.opts.logger, Point{
		Type:   TypeCounter,
		Metric: c.name,
		Value:  float64(c.value),
		Tags:   c.Tags(),
	})
	c.value = 0
}

// Close logs the remainder. It is safe to call more than once.
func (c *Counter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.flushLocked()
	return nil
}

// Timer measures one operation.
type Timer struct {
	name    string
	opts    meterOptions
	start   time.Time
	once    sync.Once
	elapsed float64
}

// NewTimer starts a timer.
func NewTimer(name string, opts ...Option) *Timer {
	o := buildOptions(opts)
	return &Timer{name: name, opts: o, start: o.now()}
}

// Stop logs the elapsed seconds with status failed when err is non-nil and
// succeeded otherwise. Only the first call logs; every call returns the
// elapsed seconds.
func (t *Timer) Stop(err error) float64 {
	t.once.Do(func() {
		status := StatusSucceeded
		if err != nil {
			status = StatusFailed
		}
		t.elapsed = t.opts.now().Sub(t.start).Seconds()

		tags := make(Tags, len(t.opts.tags)+1)
		for k, v := range t.opts.tags {
			tags[k] = v
		}
		tags[TagStatus] = status

		if t.opts.observer != nil {
			t.opts.observer.WithLabelValues(status).Observe(t.elapsed)
		}
		logPoint(t.opts.logger, Point{Type: TypeTimer, Metric: t.name, Value: t.elapsed, Tags: tags})
	})
	return t.elapsed
}

// RecordCounter counts records synced for a stream.
func RecordCounter(stream string, opts ...Option) *Counter {
	return NewCounter(RecordCount, append([]Option{WithTags(Tags{TagStream: stream})}, opts...)...)
}

// SyncTimer times a stream sync.
func SyncTimer(stream string, opts ...Option) *Timer {
	return NewTimer(SyncDuration, append([]Option{WithTags(Tags{TagStream: stream})}, opts...)...)
}

// BatchTimer times writing one batch of a stream.
func BatchTimer(stream string, opts ...Option) *Timer {
	return NewTimer(BatchProcessingTime, append([]Option{WithTags(Tags{TagStream: stream})}, opts...)...)
}
