// Package tapstream is the producer side of a Singer-style data extraction
// protocol: it turns rows from a source into newline-delimited JSON messages
// that a loader can consume and resume from.
//
// # Messages
//
// Every line on stdout is one JSON object:
//
//	{"type": "SCHEMA", "stream": "users", "schema": {...}, "key_properties": ["id"]}
//	{"type": "ACTIVATE_VERSION", "stream": "users", "version": 1718000000000}
//	{"type": "RECORD", "stream": "users", "record": {...}, "version": 1718000000000}
//	{"type": "STATE", "value": {"bookmarks": {"users": {...}}}}
//	{"type": "BATCH", "stream": "users", "encoding": {"format": "jsonl"}, "manifest": [...]}
//
// STATE always carries the whole bookmark document. A loader that persists
// the last STATE it received can restart the tap from that point.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            tap.Runner               │  Bounded stream parallelism
//	│   (one tap.Stream per catalog entry)│
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│            tap.Stream               │  init → syncing → draining → done
//	│  bookmark.Store + transform         │  Resume and type coercion
//	└─────────────────────────────────────┘
//	           ↓ writes through
//	┌──────────────────┐  ┌──────────────────┐
//	│  emitter.Emitter │  │  batch.Writer    │  NDJSON sink, encoded files
//	└──────────────────┘  └──────────────────┘
//	                               ↓
//	                      storage backends (file, s3, nats)
//
// # Packages
//
// Protocol:
//   - message: wire messages and ordered record fields
//   - schema: stream JSON Schemas
//   - catalog: stream catalog and metadata breadcrumbs
//   - bookmark: the state document
//   - transform: schema-driven record coercion
//
// Sync:
//   - tap: stream orchestration, row sources and the runner
//   - emitter: serialized line output with failure latching
//   - batch: encodings, compression codecs and the batch writer
//   - storage: backend registry with local, S3 and NATS object store backends
//
// Infrastructure:
//   - componentregistry: registration of built-in encodings and backends
//   - config: YAML or JSON configuration with environment overrides
//   - metric: Prometheus metrics and log-style meters
//   - errors: classified errors and sentinels
//   - pkg/retry: retry with backoff for uploads
//   - pkg/timestamp: timestamp parsing and formatting
//
// # Binary
//
//	tapstream --config tap.yaml --catalog catalog.json --state state.json > out.ndjson
//
// Logs go to stderr so stdout stays a clean message stream.
package tapstream
