// Package tap drives the sync of a stream: it pulls rows from a source,
// emits RECORD, STATE, ACTIVATE_VERSION and BATCH messages in protocol
// order and keeps the stream's bookmarks current.
package tap

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/tapstream/batch"
	"github.com/c360/tapstream/bookmark"
	"github.com/c360/tapstream/catalog"
	"github.com/c360/tapstream/emitter"
	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/schema"
	"github.com/c360/tapstream/transform"
)

// DefaultStateMessageFrequency is the number of records between STATE messages.
const DefaultStateMessageFrequency = 10000

// Bookmark keys that survive the wipe at the start of a sync.
var keptBookmarks = []string{
	bookmark.KeyLastPkFetched,
	bookmark.KeyMaxPkValues,
	bookmark.KeyVersion,
	bookmark.KeyInitialFullTableComplete,
}

// Phase is the position of a sync in its state machine.
type Phase int32

// Sync phases. Failed is absorbing.
const (
	PhaseInit Phase = iota
	PhaseSyncing
	PhaseDraining
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSyncing:
		return "syncing"
	case PhaseDraining:
		return "draining"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// StreamConfig describes one stream.
type StreamConfig struct {
	ID             string
	Schema         *schema.Schema
	KeyProperties  []string // falls back to catalog metadata when empty
	ReplicationKey string
	Metadata       catalog.Metadata

	StateMessageFrequency int
	// Batch enables batch mode. Nil syncs records inline.
	Batch *batch.Config
}

// Stream syncs one stream. A Stream runs one sync; create a new one for the
// next run.
type Stream struct {
	cfg       StreamConfig
	source    RowSource
	bookmarks *bookmark.Store
	emitter   *emitter.Emitter
	batches   *batch.Writer

	metrics     *metric.Metrics
	logger      *slog.Logger
	logInterval time.Duration
	now         func() time.Time

	phase   atomic.Int32
	started atomic.Bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics mirrors sync metrics into registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Stream) { s.metrics = registry.CoreMetrics() }
}

// WithBatchWriter sets the writer used in batch mode.
func WithBatchWriter(w *batch.Writer) Option {
	return func(s *Stream) { s.batches = w }
}

// WithLogInterval sets how often the record counter logs its value. Zero
// keeps the counter default.
func WithLogInterval(d time.Duration) Option {
	return func(s *Stream) { s.logInterval = d }
}

func withClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// NewStream creates the orchestrator of one stream sync.
func NewStream(cfg StreamConfig, source RowSource, bookmarks *bookmark.Store, em *emitter.Emitter, opts ...Option) (*Stream, error) {
	switch {
	case cfg.ID == "":
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream id is required", errors.ErrInvalidConfig), "tap", "NewStream", "validate config")
	case cfg.Schema == nil:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream %s has no schema", errors.ErrInvalidConfig, cfg.ID), "tap", "NewStream", "validate config")
	case source == nil || bookmarks == nil || em == nil:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream %s needs a row source, a bookmark store and an emitter", errors.ErrInvalidConfig, cfg.ID),
			"tap", "NewStream", "validate dependencies")
	}
	if cfg.StateMessageFrequency <= 0 {
		cfg.StateMessageFrequency = DefaultStateMessageFrequency
	}

	s := &Stream{
		cfg:       cfg,
		source:    source,
		bookmarks: bookmarks,
		emitter:   em,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tap", "stream", cfg.ID)
	return s, nil
}

// ID returns the stream identifier.
func (s *Stream) ID() string { return s.cfg.ID }

// Phase returns the current phase.
func (s *Stream) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Stream) setPhase(p Phase) {
	s.phase.Store(int32(p))
	s.logger.Debug("sync phase", "phase", p.String())
}

// KeyProperties returns the primary key of the stream.
func (s *Stream) KeyProperties() []string {
	if len(s.cfg.KeyProperties) > 0 {
		return append([]string(nil), s.cfg.KeyProperties...)
	}
	return catalog.KeyProperties(s.cfg.Metadata)
}

func (s *Stream) replicationOptions() bookmark.ReplicationOptions {
	return bookmark.ReplicationOptions{ReplicationKey: s.cfg.ReplicationKey, Metadata: s.cfg.Metadata}
}

// configuredReplicationKey is the key a sync will use: the explicit option,
// else catalog metadata. Stale state never contributes.
func (s *Stream) configuredReplicationKey() string {
	if s.cfg.ReplicationKey != "" {
		return s.cfg.ReplicationKey
	}
	return catalog.String(s.cfg.Metadata, catalog.KeyReplicationKey)
}

// WriteSchema emits the SCHEMA message of the stream.
func (s *Stream) WriteSchema() error {
	msg := &message.Schema{
		Stream:        s.cfg.ID,
		Schema:        s.cfg.Schema.Raw(),
		KeyProperties: s.KeyProperties(),
	}
	if key := s.configuredReplicationKey(); key != "" {
		msg.BookmarkProperties = []string{key}
	}
	return s.emitter.Emit(msg)
}

// Sync runs the stream through Init, Syncing and Draining, emitting one
// RECORD per row.
func (s *Stream) Sync(ctx context.Context) error {
	return s.run(ctx, false)
}

// SyncBatch runs the stream like Sync but writes the records to batch
// files and emits a single BATCH message in place of RECORD and
// intermediate STATE messages.
func (s *Stream) SyncBatch(ctx context.Context) error {
	if s.cfg.Batch == nil || s.batches == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: stream %s has no batch configuration", errors.ErrInvalidConfig, s.cfg.ID),
			"tap", "SyncBatch", "check batch mode")
	}
	return s.run(ctx, true)
}

// plan is what Init decides for the rest of the sync.
type plan struct {
	method  bookmark.ReplicationMethod
	key     string
	keys    []string
	version int64
	request RowRequest
}

func (s *Stream) run(ctx context.Context, batchMode bool) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: stream %s was already synced", errors.ErrInvalidArgument, s.cfg.ID),
			"tap", "Sync", "start sync")
	}

	timerOpts := []metric.Option{metric.WithLogger(s.logger)}
	counterOpts := []metric.Option{metric.WithLogger(s.logger)}
	if s.logInterval > 0 {
		counterOpts = append(counterOpts, metric.WithInterval(s.logInterval))
	}
	if s.metrics != nil {
		timerOpts = append(timerOpts, metric.WithPrometheusObserver(
			s.metrics.SyncDuration.MustCurryWith(prometheus.Labels{"stream": s.cfg.ID})))
		counterOpts = append(counterOpts, metric.WithPrometheusCounter(
			s.metrics.RecordsTotal.WithLabelValues(s.cfg.ID)))
	}
	timer := metric.SyncTimer(s.cfg.ID, timerOpts...)
	counter := metric.RecordCounter(s.cfg.ID, counterOpts...)
	s.metrics.StreamStarted()

	defer func() {
		counter.Close()
		timer.Stop(err)
		s.metrics.StreamFinished()
		if err != nil {
			s.setPhase(PhaseFailed)
			s.metrics.RecordError("tap", errors.Classify(err).String())
			s.logger.Error("sync failed", "error", err)
		}
	}()

	s.setPhase(PhaseInit)
	p, err := s.init()
	if err != nil {
		return err
	}

	s.setPhase(PhaseSyncing)
	var n int
	if batchMode {
		n, err = s.syncBatch(ctx, p, counter)
	} else {
		n, err = s.syncRecords(ctx, p, counter)
	}
	if err != nil {
		return err
	}

	s.setPhase(PhaseDraining)
	if err := s.drain(p); err != nil {
		return err
	}

	s.setPhase(PhaseDone)
	s.logger.Info("sync finished", "records", n, "replication_method", string(p.method))
	return nil
}

func (s *Stream) init() (plan, error) {
	id := s.cfg.ID

	// Snapshot first: the wipe drops replication_key_value, and a
	// replication_key left in state must not pick the method.
	marks := s.bookmarks.Stream(id)
	if err := s.bookmarks.Wipe(id, bookmark.WipeOptions{Keep: keptBookmarks}); err != nil {
		return plan{}, err
	}

	opts := s.replicationOptions()
	p := plan{
		method: s.bookmarks.ReplicationMethod(id, opts),
		keys:   s.KeyProperties(),
	}
	if p.method == bookmark.Incremental {
		p.key = s.bookmarks.ReplicationKey(id, opts)
	}
	p.request = RowRequest{
		Stream:            id,
		ReplicationMethod: p.method,
		ReplicationKey:    p.key,
		KeyProperties:     p.keys,
	}

	// A resume keeps its position in state until a newer row moves it.
	if value, ok := marks[bookmark.KeyReplicationKeyValue]; ok && value != nil &&
		p.key != "" && marks[bookmark.KeyReplicationKey] == p.key {
		p.request.StartValue = value
		s.bookmarks.Set(id, bookmark.KeyReplicationKey, p.key)
		s.bookmarks.Set(id, bookmark.KeyReplicationKeyValue, value)
	}
	p.request.LastPkFetched, _ = marks[bookmark.KeyLastPkFetched].(map[string]any)
	p.request.MaxPkValues, _ = marks[bookmark.KeyMaxPkValues].(map[string]any)
	p.version = s.bookmarks.StreamVersion(id)

	versionValue, versionExists := marks[bookmark.KeyVersion]
	complete := bookmark.Truthy(marks[bookmark.KeyInitialFullTableComplete])

	s.logger.Info("beginning sync",
		"replication_method", string(p.method),
		"replication_key", p.key,
		"version", p.version,
		"resuming", p.request.Resuming())

	if !complete && !(versionExists && versionValue == nil) {
		if err := s.emitter.Emit(&message.ActivateVersion{Stream: id, Version: p.version}); err != nil {
			return p, err
		}
	}
	return p, nil
}

// pull runs fn for every transformed row of the source with the row's
// 1-based position.
func (s *Stream) pull(ctx context.Context, p plan, fn func(n int, record *message.Fields) error) (n int, err error) {
	it, err := s.source.Rows(ctx, p.request)
	if err != nil {
		return 0, errors.Wrap(err, "tap", "Sync", "open row source")
	}
	defer func() {
		if closeErr := it.Close(); closeErr != nil {
			err = stderrors.Join(err, errors.Wrap(closeErr, "tap", "Sync", "close row source"))
		}
	}()

	for {
		row, err := it.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, errors.Wrap(err, "tap", "Sync", "read row")
		}

		record, err := transform.Transform(row, s.cfg.Schema)
		if err != nil {
			return n, err
		}
		n++
		if err := fn(n, record); err != nil {
			return n, err
		}
	}
}

func (s *Stream) syncRecords(ctx context.Context, p plan, counter *metric.Counter) (int, error) {
	version := p.version
	freq := s.cfg.StateMessageFrequency
	return s.pull(ctx, p, func(n int, record *message.Fields) error {
		if err := s.emitter.Emit(&message.Record{
			Stream:        s.cfg.ID,
			Record:        record,
			Version:       &version,
			TimeExtracted: s.now().UTC(),
		}); err != nil {
			return err
		}
		counter.Increment(1)

		// The snapshot is taken before this record moves the bookmarks.
		if (n-1)%freq == 0 {
			if err := s.emitState(); err != nil {
				return err
			}
		}
		s.updateBookmarks(p, record)
		return nil
	})
}

func (s *Stream) syncBatch(ctx context.Context, p plan, counter *metric.Counter) (int, error) {
	cfg := *s.cfg.Batch
	session, err := s.batches.Begin(ctx, s.cfg.ID, s.cfg.Schema, cfg)
	if err != nil {
		return 0, err
	}

	n, err := s.pull(ctx, p, func(_ int, record *message.Fields) error {
		if err := session.Add(record); err != nil {
			return err
		}
		counter.Increment(1)
		s.updateBookmarks(p, record)
		return nil
	})
	if err != nil {
		session.Abort()
		return n, err
	}

	manifest, err := session.Close()
	if err != nil {
		return n, err
	}
	return n, s.emitter.Emit(&message.Batch{
		Stream:   s.cfg.ID,
		Encoding: cfg.Encoding.Message(),
		Manifest: manifest,
	})
}

func (s *Stream) updateBookmarks(p plan, record *message.Fields) {
	id := s.cfg.ID
	if _, ok := s.bookmarks.Get(id, bookmark.KeyVersion); !ok {
		s.bookmarks.Set(id, bookmark.KeyVersion, p.version)
	}

	switch p.method {
	case bookmark.FullTable:
		if maxPk, ok := s.bookmarks.Get(id, bookmark.KeyMaxPkValues); ok && bookmark.Truthy(maxPk) {
			s.bookmarks.Set(id, bookmark.KeyLastPkFetched, record.Subset(p.keys))
		}
	case bookmark.Incremental:
		if p.key != "" {
			value, _ := record.Get(p.key)
			s.bookmarks.Set(id, bookmark.KeyReplicationKey, p.key)
			s.bookmarks.Set(id, bookmark.KeyReplicationKeyValue, value)
		}
	}
}

func (s *Stream) emitState() error {
	return s.emitter.Emit(&message.State{Value: s.bookmarks.Snapshot()})
}

func (s *Stream) drain(p plan) error {
	s.bookmarks.Clear(s.cfg.ID, bookmark.KeyMaxPkValues)
	s.bookmarks.Clear(s.cfg.ID, bookmark.KeyLastPkFetched)
	if err := s.emitState(); err != nil {
		return err
	}
	return s.emitter.Emit(&message.ActivateVersion{Stream: s.cfg.ID, Version: p.version})
}
