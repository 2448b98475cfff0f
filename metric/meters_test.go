package metric

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

type loggedPoint struct {
	Msg   string `json:"msg"`
	Level string `json:"level"`
	Point struct {
		Type   string         `json:"type"`
		Metric string         `json:"metric"`
		Value  float64        `json:"value"`
		Tags   map[string]any `json:"tags"`
	} `json:"point"`
}

func newCaptureLogger() (*slog.Logger, *logCapture) {
	capture := &logCapture{}
	return slog.New(slog.NewJSONHandler(capture, nil)), capture
}

func (c *logCapture) points(t *testing.T) []loggedPoint {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []loggedPoint
	for _, line := range strings.Split(strings.TrimSpace(c.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var p loggedPoint
		require.NoError(t, json.Unmarshal([]byte(line), &p), line)
		out = append(out, p)
	}
	return out
}

func TestRecordCounter_LogsEveryIntervalAndFlushesOnClose(t *testing.T) {
	logger, capture := newCaptureLogger()

	counter := RecordCounter("test_stream",
		WithLogger(logger),
		WithInterval(time.Nanosecond),
		WithTags(Tags{TagEndpoint: "test_endpoint", "custom_tag": "pytest"}),
	)
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		counter.Increment(1)
	}
	require.NoError(t, counter.Close())
	require.NoError(t, counter.Close())

	points := capture.points(t)
	require.Len(t, points, 5+1)

	total := 0.0
	for _, p := range points {
		assert.Equal(t, LogMessage, p.Msg)
		assert.Equal(t, "INFO", p.Level)
		assert.Equal(t, TypeCounter, p.Point.Type)
		assert.Equal(t, RecordCount, p.Point.Metric)
		assert.Equal(t, map[string]any{
			TagStream:    "test_stream",
			TagEndpoint:  "test_endpoint",
			TagPID:       float64(os.Getpid()),
			"custom_tag": "pytest",
		}, p.Point.Tags)
		total += p.Point.Value
	}
	assert.Equal(t, 5.0, total)
	assert.Equal(t, 0.0, points[len(points)-1].Point.Value)
}

func TestCounter_ThrottlesWithinInterval(t *testing.T) {
	logger, capture := newCaptureLogger()

	counter := NewCounter(RecordCount, WithLogger(logger), WithInterval(time.Hour))
	counter.Increment(2)
	counter.Increment(3)
	assert.Empty(t, capture.points(t))
	assert.Equal(t, int64(5), counter.Value())

	require.NoError(t, counter.Close())
	points := capture.points(t)
	require.Len(t, points, 1)
	assert.Equal(t, 5.0, points[0].Point.Value)

	counter.Increment(1)
	assert.Len(t, capture.points(t), 1, "closed counter ignores increments")
}

func TestCounter_MirrorsPrometheus(t *testing.T) {
	logger, _ := newCaptureLogger()
	mirror := prometheus.NewCounter(prometheus.CounterOpts{Name: "mirror_total", Help: "h"})

	counter := NewCounter(RecordCount, WithLogger(logger), WithPrometheusCounter(mirror))
	counter.Increment(4)
	counter.Increment(6)
	require.NoError(t, counter.Close())

	assert.Equal(t, 10.0, testutil.ToFloat64(mirror))
}

func TestMeter_ContextTag(t *testing.T) {
	counter := NewCounter(RecordCount, WithLogger(slog.Default()), WithInterval(time.Hour))
	assert.Equal(t, Tags{TagPID: os.Getpid()}, counter.Tags())

	streamContext := map[string]any{"parent_id": 1}
	withContext := NewCounter(RecordCount, WithContext(streamContext))
	assert.Equal(t, Tags{TagPID: os.Getpid(), TagContext: streamContext}, withContext.Tags())

	cleared := NewCounter(RecordCount, WithContext(streamContext), WithContext(nil))
	assert.NotContains(t, cleared.Tags(), TagContext)
}

func fakeClock(times ...time.Time) func() time.Time {
	var mu sync.Mutex
	i := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func TestSyncTimer(t *testing.T) {
	logger, capture := newCaptureLogger()
	start := time.Unix(0, 0)

	timer := SyncTimer("test_stream",
		WithLogger(logger),
		WithTags(Tags{"custom_tag": "pytest"}),
		withClock(fakeClock(start, start.Add(10*time.Second))),
	)
	elapsed := timer.Stop(nil)
	assert.InDelta(t, 10.0, elapsed, 0.001)

	points := capture.points(t)
	require.Len(t, points, 1)
	p := points[0].Point
	assert.Equal(t, TypeTimer, p.Type)
	assert.Equal(t, SyncDuration, p.Metric)
	assert.InDelta(t, 10.0, p.Value, 0.001)
	assert.Equal(t, map[string]any{
		TagStream:    "test_stream",
		TagStatus:    StatusSucceeded,
		TagPID:       float64(os.Getpid()),
		"custom_tag": "pytest",
	}, p.Tags)
}

func TestBatchTimer_FailedStatusAndSingleLog(t *testing.T) {
	logger, capture := newCaptureLogger()
	observer := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "batch_seconds", Help: "h"}, []string{"status"})

	timer := BatchTimer("users", WithLogger(logger), WithPrometheusObserver(observer))
	timer.Stop(fmt.Errorf("disk full"))
	timer.Stop(nil)

	points := capture.points(t)
	require.Len(t, points, 1)
	assert.Equal(t, BatchProcessingTime, points[0].Point.Metric)
	assert.Equal(t, StatusFailed, points[0].Point.Tags[TagStatus])
	assert.Equal(t, 1, testutil.CollectAndCount(observer))
}
