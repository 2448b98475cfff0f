// Package emitter writes protocol messages to the output stream, one JSON
// object per line.
package emitter

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/metric"
)

// Flusher is a sink that buffers writes.
type Flusher interface {
	Flush() error
}

// Syncer is a sink that commits writes to stable storage.
type Syncer interface {
	Sync() error
}

// Emitter serializes messages onto a sink. It is safe for concurrent use;
// every message is written with a single Write call.
type Emitter struct {
	mu     sync.Mutex
	w      io.Writer
	failed error

	metrics *metric.Metrics
	logger  *slog.Logger

	messagesWritten int64
	bytesWritten    int64
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics counts emitted messages by type in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Emitter) { e.metrics = registry.CoreMetrics() }
}

// New creates an Emitter writing to w.
func New(w io.Writer, opts ...Option) *Emitter {
	e := &Emitter{w: w, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "emitter")
	return e
}

// Emit writes msg followed by a newline and flushes the sink when it
// supports flushing. After a sink failure every later call returns the
// same error, since the order of lines on the stream can no longer be
// guaranteed.
func (e *Emitter) Emit(msg message.Message) error {
	data, err := message.Marshal(msg)
	if err != nil {
		return err
	}
	line := append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failed != nil {
		return e.failed
	}

	if err := e.write(line); err != nil {
		e.failed = errors.WrapFatal(
			errors.Mark(errors.ErrSinkWriteFailed, err),
			"Emitter", "Emit", fmt.Sprintf("write %s message", msg.MessageType()))
		e.metrics.RecordError("emitter", errors.ErrorFatal.String())
		e.logger.Error("output stream failed",
			"type", string(msg.MessageType()),
			"error", err)
		return e.failed
	}

	atomic.AddInt64(&e.messagesWritten, 1)
	atomic.AddInt64(&e.bytesWritten, int64(len(line)))
	e.metrics.RecordMessageEmitted(string(msg.MessageType()))
	return nil
}

func (e *Emitter) write(line []byte) error {
	n, err := e.w.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return io.ErrShortWrite
	}

	switch sink := e.w.(type) {
	case Flusher:
		return sink.Flush()
	case Syncer:
		// Pipes and terminals cannot be synced.
		if err := sink.Sync(); err != nil && !stderrors.Is(err, syscall.EINVAL) {
			return err
		}
	}
	return nil
}

// Err returns the latched sink failure, or nil.
func (e *Emitter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

// Stats returns the number of messages and bytes written so far.
func (e *Emitter) Stats() (messages, bytes int64) {
	return atomic.LoadInt64(&e.messagesWritten), atomic.LoadInt64(&e.bytesWritten)
}
