package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/schema"
	"github.com/c360/tapstream/storage"
)

// DefaultParallelism bounds how many files of one batch are written at once.
const DefaultParallelism = 4

// Manifest lists the URLs of the files of one batch, in record order.
type Manifest []string

// Writer encodes records into files on a storage target.
type Writer struct {
	encodings   *EncodingRegistry
	backends    *storage.Registry
	metrics     *metric.Metrics
	logger      *slog.Logger
	parallelism int
	newName     func() string
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics records batch metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(w *Writer) { w.metrics = registry.CoreMetrics() }
}

// WithParallelism bounds concurrent file writes. Values below one mean one.
func WithParallelism(n int) Option {
	return func(w *Writer) {
		if n < 1 {
			n = 1
		}
		w.parallelism = n
	}
}

// NewWriter creates a Writer resolving formats and storage schemes through
// the given registries.
func NewWriter(encodings *EncodingRegistry, backends *storage.Registry, opts ...Option) *Writer {
	w := &Writer{
		encodings:   encodings,
		backends:    backends,
		logger:      slog.Default(),
		parallelism: DefaultParallelism,
		newName:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "batch")
	return w
}

// Chunk splits records into consecutive slices of at most size records.
func Chunk(records []*message.Fields, size int) [][]*message.Fields {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var chunks [][]*message.Fields
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// FileName returns the name of one batch file.
func FileName(prefix, stream, id, extension string) string {
	return fmt.Sprintf("%s%s-%s.%s", prefix, stream, id, extension)
}

// WriteBatch writes records in chunks of cfg.Size() records, one file per
// chunk, and returns the file URLs in chunk order. It is Begin, Add for
// every record and Close, for callers that already hold the records.
func (w *Writer) WriteBatch(ctx context.Context, stream string, s *schema.Schema, records []*message.Fields, cfg Config) (Manifest, error) {
	session, err := w.Begin(ctx, stream, s, cfg)
	if err != nil {
		return nil, err
	}
	for _, chunk := range Chunk(records, cfg.Size()) {
		session.records += len(chunk)
		session.live.Add(int64(len(chunk)))
		if err := session.dispatch(chunk); err != nil {
			session.Abort()
			return nil, err
		}
	}
	return session.Close()
}

// Session writes one batch incrementally. Add buffers records until a
// chunk of cfg.Size() records is full and hands it to a file writer; at
// most the writer's parallelism chunks are encoded at once, and Add blocks
// while they are busy. Close flushes the last partial chunk and returns the
// manifest in chunk order. Any failure fails the whole batch with
// ErrBatchWriteFailed; files that were already written are left in place.
//
// A Session is used from one goroutine.
type Session struct {
	w       *Writer
	stream  string
	cfg     Config
	size    int
	encoder Encoder
	backend storage.Backend
	timer   *metric.Timer
	cancel  context.CancelFunc

	group *errgroup.Group
	gctx  context.Context

	pending []*message.Fields
	records int
	err     error
	done    bool

	mu   sync.Mutex
	refs Manifest

	// live counts records held by the session, buffered or being encoded.
	live atomic.Int64
	peak atomic.Int64
}

// Begin resolves the encoder and acquires the storage backend for one
// batch of stream. The session owns the backend until Close or Abort.
func (w *Writer) Begin(ctx context.Context, stream string, s *schema.Schema, cfg Config) (*Session, error) {
	timerOpts := []metric.Option{metric.WithLogger(w.logger)}
	if w.metrics != nil {
		timerOpts = append(timerOpts, metric.WithPrometheusObserver(
			w.metrics.BatchWriteDuration.MustCurryWith(prometheus.Labels{"stream": stream})))
	}
	timer := metric.BatchTimer(stream, timerOpts...)

	encoder, err := w.encodings.Encoder(cfg.Encoding, s)
	if err != nil {
		err = errors.Mark(errors.ErrBatchWriteFailed, err)
		timer.Stop(err)
		return nil, err
	}

	backend, err := cfg.Storage.Open(ctx, w.backends)
	if err != nil {
		err = errors.Mark(errors.ErrBatchWriteFailed, err)
		timer.Stop(err)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)

	size := cfg.Size()
	return &Session{
		w:       w,
		stream:  stream,
		cfg:     cfg,
		size:    size,
		encoder: encoder,
		backend: backend,
		timer:   timer,
		cancel:  cancel,
		group:   g,
		gctx:    gctx,
		pending: make([]*message.Fields, 0, size),
		refs:    Manifest{},
	}, nil
}

// Add buffers record and writes a file once a chunk is full. After a
// failure every call returns the same error.
func (s *Session) Add(record *message.Fields) error {
	if s.err != nil {
		return s.err
	}
	if s.done {
		return errors.WrapInvalid(
			fmt.Errorf("%w: batch session of stream %s is closed", errors.ErrInvalidArgument, s.stream),
			"Session", "Add", "buffer record")
	}
	if s.gctx.Err() != nil {
		return s.fail(s.group.Wait())
	}

	s.pending = append(s.pending, record)
	s.records++
	s.track(s.live.Add(1))
	if len(s.pending) < s.size {
		return nil
	}
	chunk := s.pending
	s.pending = make([]*message.Fields, 0, s.size)
	return s.dispatch(chunk)
}

// Buffered returns the number of records waiting for a full chunk.
func (s *Session) Buffered() int {
	return len(s.pending)
}

// Close writes the buffered records, waits for every file and releases the
// backend. The manifest is nil when any file failed.
func (s *Session) Close() (manifest Manifest, err error) {
	if s.done {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: batch session of stream %s is closed", errors.ErrInvalidArgument, s.stream),
			"Session", "Close", "close batch")
	}
	s.done = true
	defer func() { s.timer.Stop(err) }()
	defer s.cancel()
	defer func() {
		if closeErr := s.backend.Close(); closeErr != nil {
			closeErr = errors.Wrap(closeErr, "Writer", "WriteBatch", "close storage backend")
			if err == nil {
				err = errors.Mark(errors.ErrBatchWriteFailed, closeErr)
				manifest = nil
			} else {
				err = stderrors.Join(err, closeErr)
			}
		}
	}()

	if s.err != nil {
		_ = s.group.Wait()
		return nil, s.err
	}
	if len(s.pending) > 0 {
		chunk := s.pending
		s.pending = nil
		if err := s.dispatch(chunk); err != nil {
			_ = s.group.Wait()
			return nil, err
		}
	}
	if err := s.group.Wait(); err != nil {
		return nil, s.fail(err)
	}

	s.w.logger.Info("batch written",
		"stream", s.stream,
		"records", s.records,
		"files", len(s.refs),
		"format", s.cfg.Encoding.Format)
	return s.refs, nil
}

// Abort stops the session without a manifest: files in flight are
// cancelled and the backend is released. It is a no-op after Close.
func (s *Session) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.cancel()
	_ = s.group.Wait()
	if err := s.backend.Close(); err != nil {
		s.w.logger.Warn("close storage backend", "stream", s.stream, "error", err)
	}
	reason := s.err
	if reason == nil {
		reason = context.Canceled
	}
	s.timer.Stop(reason)
	s.pending = nil
}

// dispatch names the next file and writes chunk to it. It blocks while
// the writer's parallelism is exhausted.
func (s *Session) dispatch(chunk []*message.Fields) error {
	s.mu.Lock()
	i := len(s.refs)
	s.refs = append(s.refs, "")
	s.mu.Unlock()

	name := FileName(s.cfg.Storage.Prefix, s.stream, s.w.newName(), s.encoder.Extension())
	s.group.Go(func() error {
		defer s.live.Add(-int64(len(chunk)))

		counter := &countingWriter{}
		ref, err := storage.WriteFile(s.gctx, s.backend, name, func(fw io.Writer) error {
			counter.w = fw
			return s.encoder.Encode(counter, chunk)
		})
		if err != nil {
			return err
		}
		size := counter.n.Load()
		s.w.metrics.RecordBatchFile(s.stream, s.cfg.Encoding.Format, size)
		s.w.logger.Debug("wrote batch file",
			"stream", s.stream,
			"file", ref,
			"records", len(chunk),
			"size", humanize.Bytes(uint64(size)))

		s.mu.Lock()
		s.refs[i] = ref
		s.mu.Unlock()
		return nil
	})
	if s.gctx.Err() != nil {
		return s.fail(s.group.Wait())
	}
	return nil
}

// fail latches the first error of the session.
func (s *Session) fail(err error) error {
	if s.err != nil {
		return s.err
	}
	if err == nil {
		err = s.gctx.Err()
	}
	s.w.metrics.RecordError("batch", errors.Classify(err).String())
	s.err = errors.WrapFatal(
		errors.Mark(errors.ErrBatchWriteFailed, err),
		"Writer", "WriteBatch", fmt.Sprintf("write batch for stream %s", s.stream))
	return s.err
}

func (s *Session) track(n int64) {
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

type countingWriter struct {
	w io.Writer
	n atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}
