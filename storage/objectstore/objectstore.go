package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/storage"
)

// Scheme is the URL scheme this backend is registered under.
const Scheme = "nats"

// Default connection settings.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultClientName     = "tapstream"
)

// Location is a parsed nats:// root URL.
type Location struct {
	Server string // nats://[user:pass@]host:port
	Bucket string
	Prefix string
}

// ParseLocation splits a root URL into server, bucket and key prefix. The
// first path segment is the bucket.
func ParseLocation(root *url.URL) (Location, error) {
	if root.Host == "" {
		return Location{}, fmt.Errorf("%w: nats URL %q has no host", errors.ErrInvalidConfig, root.Redacted())
	}
	trimmed := strings.Trim(root.Path, "/")
	if trimmed == "" {
		return Location{}, fmt.Errorf("%w: nats URL %q has no bucket", errors.ErrInvalidConfig, root.Redacted())
	}
	bucket, prefix, _ := strings.Cut(trimmed, "/")

	server := url.URL{Scheme: Scheme, User: root.User, Host: root.Host}
	return Location{Server: server.String(), Bucket: bucket, Prefix: prefix}, nil
}

// Backend writes objects into a JetStream object store bucket.
type Backend struct {
	loc     Location
	conn    *nats.Conn
	store   jetstream.ObjectStore
	metrics *storeMetrics
	logger  *slog.Logger
	rootURL string
}

// NewFactory returns the storage.Factory for nats URLs. Metrics are shared
// by every backend the factory opens; a nil registry disables them.
func NewFactory(registry *metric.MetricsRegistry, logger *slog.Logger) (storage.Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newStoreMetrics(registry)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, root *url.URL) (storage.Backend, error) {
		return open(ctx, root, metrics, logger)
	}, nil
}

func open(ctx context.Context, root *url.URL, metrics *storeMetrics, logger *slog.Logger) (*Backend, error) {
	loc, err := ParseLocation(root)
	if err != nil {
		return nil, errors.WrapInvalid(err, "objectstore", "open", "parse location")
	}

	conn, err := nats.Connect(loc.Server,
		nats.Name(DefaultClientName),
		nats.Timeout(DefaultConnectTimeout),
	)
	if err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrNoConnection, err),
			"objectstore", "open", "connect to NATS")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "objectstore", "open", "create JetStream context")
	}

	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      loc.Bucket,
		Description: "tapstream batch files",
	})
	if err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "objectstore", "open", fmt.Sprintf("open bucket %s", loc.Bucket))
	}

	server := *root
	server.RawQuery = ""
	server.User = nil
	server.Path = "/" + loc.Bucket
	if loc.Prefix != "" {
		server.Path += "/" + loc.Prefix
	}

	return &Backend{
		loc:     loc,
		conn:    conn,
		store:   store,
		metrics: metrics,
		logger:  logger.With("component", "objectstore", "bucket", loc.Bucket),
		rootURL: server.String(),
	}, nil
}

func (b *Backend) key(name string) string {
	name = strings.TrimLeft(name, "/")
	if b.loc.Prefix == "" {
		return name
	}
	return path.Join(b.loc.Prefix, name)
}

// OpenWrite streams into a new object. The upload runs while the caller
// writes and completes on Close.
func (b *Backend) OpenWrite(ctx context.Context, name string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.Trim(name, "/") == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty object name", errors.ErrInvalidArgument),
			"objectstore", "OpenWrite", "resolve key")
	}

	key := b.key(name)
	pr, pw := io.Pipe()
	w := &objectWriter{pw: pw, done: make(chan error, 1)}
	start := time.Now()

	go func() {
		info, err := b.store.Put(ctx, jetstream.ObjectMeta{Name: key}, pr)
		if stderrors.Is(err, errAborted) {
			b.logger.Debug("discarded unfinished object", "key", key)
			w.done <- err
			return
		}
		if err != nil {
			_ = pr.CloseWithError(err)
			b.metrics.recordError(b.loc.Bucket, "put")
			w.done <- errors.WrapTransient(err, "objectstore", "Put", fmt.Sprintf("put object %s", key))
			return
		}
		b.metrics.recordWrite(b.loc.Bucket, time.Since(start).Seconds(), float64(info.Size))
		b.logger.Debug("stored object", "key", key, "size", humanize.Bytes(info.Size))
		w.done <- nil
	}()
	return w, nil
}

// List returns object names under the root that start with prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	infos, err := b.store.List(ctx)
	if err != nil && !stderrors.Is(err, jetstream.ErrNoObjectsFound) {
		b.metrics.recordError(b.loc.Bucket, "list")
		return nil, errors.WrapTransient(err, "objectstore", "List", "list objects")
	}
	b.metrics.recordList(b.loc.Bucket, time.Since(start).Seconds())

	rootPrefix := ""
	if b.loc.Prefix != "" {
		rootPrefix = b.loc.Prefix + "/"
	}
	var names []string
	for _, info := range infos {
		if info.Deleted || !strings.HasPrefix(info.Name, rootPrefix) {
			continue
		}
		name := strings.TrimPrefix(info.Name, rootPrefix)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// URL returns the nats URL of name, without credentials.
func (b *Backend) URL(name string) string {
	return storage.JoinURL(b.rootURL, name)
}

// Close drains the connection so pending uploads are acknowledged.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return errors.WrapTransient(err, "objectstore", "Close", "drain connection")
	}
	return nil
}

type objectWriter struct {
	pw     *io.PipeWriter
	done   chan error
	once   sync.Once
	result error
}

func (w *objectWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// errAborted fails the pending Put of an aborted writer.
var errAborted = stderrors.New("object write aborted")

// Abort fails the streaming Put so the object store discards the partial
// object.
func (w *objectWriter) Abort() error {
	w.once.Do(func() {
		_ = w.pw.CloseWithError(errAborted)
		if err := <-w.done; err != nil && !stderrors.Is(err, errAborted) {
			w.result = err
		}
	})
	return w.result
}

func (w *objectWriter) Close() error {
	w.once.Do(func() {
		_ = w.pw.Close()
		w.result = <-w.done
	})
	return w.result
}
