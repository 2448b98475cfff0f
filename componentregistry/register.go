// Package componentregistry wires the built-in batch encodings and storage
// backends into their registries.
package componentregistry

import (
	"errors"
	"log/slog"

	"github.com/c360/tapstream/batch"
	pkgerrors "github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/storage"
	"github.com/c360/tapstream/storage/local"
	"github.com/c360/tapstream/storage/objectstore"
	"github.com/c360/tapstream/storage/s3store"
)

// Register registers the built-in components:
//
// Encodings:
//   - jsonl (one JSON object per line)
//   - parquet (Arrow columns from the stream schema)
//
// Storage backends:
//   - file (local directories, also used for plain paths)
//   - s3 (AWS S3 and compatible endpoints)
//   - nats (JetStream object store buckets)
//
// The metrics registry and logger are handed to backends that report their
// own metrics; both may be nil.
func Register(
	encodings *batch.EncodingRegistry,
	backends *storage.Registry,
	metrics *metric.MetricsRegistry,
	logger *slog.Logger,
) error {
	// CRITICAL: Nil registry is a programming error (fatal), not invalid input
	if encodings == nil || backends == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := encodings.Register(batch.FormatJSONL, batch.NewJSONL); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "jsonl encoding registration")
	}
	if err := encodings.Register(batch.FormatParquet, batch.NewParquet); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "parquet encoding registration")
	}

	if err := backends.Register(storage.SchemeFile, local.New); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "file storage registration")
	}
	if err := backends.Register(s3store.Scheme, s3store.New); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "S3 storage registration")
	}

	natsFactory, err := objectstore.NewFactory(metrics, logger)
	if err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "NATS object store factory")
	}
	if err := backends.Register(objectstore.Scheme, natsFactory); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "NATS object store registration")
	}

	return nil
}

// NewDefault returns registries with every built-in component registered.
func NewDefault(metrics *metric.MetricsRegistry, logger *slog.Logger) (*batch.EncodingRegistry, *storage.Registry, error) {
	encodings := batch.NewEncodingRegistry()
	backends := storage.NewRegistry()
	if err := Register(encodings, backends, metrics, logger); err != nil {
		return nil, nil, err
	}
	return encodings, backends, nil
}
