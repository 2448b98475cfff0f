package config

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/batch"
	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/storage"
)

func testRegistries(t *testing.T) (*batch.EncodingRegistry, *storage.Registry) {
	t.Helper()
	enc := batch.NewEncodingRegistry()
	require.NoError(t, enc.Register(batch.FormatJSONL, batch.NewJSONL))
	backends := storage.NewRegistry()
	require.NoError(t, backends.Register(storage.SchemeFile, func(context.Context, *url.URL) (storage.Backend, error) {
		return nil, nil
	}))
	return enc, backends
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultStateMessageFrequency, cfg.StateMessageFrequency)
	assert.Equal(t, DefaultMaxParallelStreams, cfg.MaxParallelStreams)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, time.Minute, cfg.Metrics.LogInterval)
	assert.Nil(t, cfg.Batch)

	enc, backends := testRegistries(t)
	assert.NoError(t, cfg.Validate(enc, backends))
}

func TestParse_YAML(t *testing.T) {
	cfg, err := Parse([]byte(`
state_message_frequency: 500
streams:
  - id: users
    rows: ./users.jsonl
    replication_key: updated_at
  - id: orders
    rows: ./orders.jsonl.gz
    key_properties: [id, line]
batch:
  encoding:
    format: jsonl
    compression: gzip
  storage:
    root: file:///tmp/batches
    prefix: tap-
  batch_size: 250
metrics:
  port: 9090
  log_interval: 15s
`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.StateMessageFrequency)
	assert.Equal(t, DefaultMaxParallelStreams, cfg.MaxParallelStreams)
	require.Len(t, cfg.Streams, 2)
	assert.Equal(t, "updated_at", cfg.Streams[0].ReplicationKey)
	assert.Equal(t, []string{"id", "line"}, cfg.Streams[1].KeyProperties)

	require.NotNil(t, cfg.Batch)
	assert.Equal(t, batch.Encoding{Format: "jsonl", Compression: "gzip"}, cfg.Batch.Encoding)
	assert.Equal(t, "file:///tmp/batches", cfg.Batch.Storage.Root)
	assert.Equal(t, "tap-", cfg.Batch.Storage.Prefix)
	assert.Equal(t, 250, cfg.Batch.Size())

	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path, "unset fields keep their defaults")
	assert.Equal(t, 15*time.Second, cfg.Metrics.LogInterval)

	s, ok := cfg.Stream("orders")
	require.True(t, ok)
	assert.Equal(t, "./orders.jsonl.gz", s.Rows)
	_, ok = cfg.Stream("missing")
	assert.False(t, ok)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"max_parallel_streams": 2, "streams": [{"id": "users", "rows": "u.jsonl"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxParallelStreams)
	assert.Equal(t, DefaultStateMessageFrequency, cfg.StateMessageFrequency)
	require.Len(t, cfg.Streams, 1)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("streams: [unterminated"))
	assert.ErrorIs(t, err, errors.ErrParsingFailed)

	_, err = Parse([]byte("state_frequency: 10\n"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig, "unknown fields are rejected")

	_, err = Parse([]byte("state_message_frequency: often\n"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoader_Layers(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "tap.yaml", `
state_message_frequency: 100
streams:
  - id: users
    rows: users.jsonl
metrics:
  port: 9090
  path: /metrics
`)
	override := writeFile(t, dir, "tap.prod.json", `{"state_message_frequency": 5000, "metrics": {"path": "/prom"}}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.StateMessageFrequency)
	assert.Equal(t, 9090, cfg.Metrics.Port, "nested keys merge")
	assert.Equal(t, "/prom", cfg.Metrics.Path)
	require.Len(t, cfg.Streams, 1)
}

func TestLoader_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tap.yml", "state_message_frequency: 100\n")

	l := newTestLoader(map[string]string{
		"TAPSTREAM_STATE_FREQUENCY":      "25",
		"TAPSTREAM_MAX_PARALLEL_STREAMS": " 8 ",
		"TAPSTREAM_BATCH_ROOT":           "/var/tmp/batches",
	})
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.StateMessageFrequency)
	assert.Equal(t, 8, cfg.MaxParallelStreams)
	require.NotNil(t, cfg.Batch)
	assert.Equal(t, batch.FormatJSONL, cfg.Batch.Encoding.Format)
	assert.Equal(t, "/var/tmp/batches", cfg.Batch.Storage.Root)

	enc, backends := testRegistries(t)
	assert.NoError(t, cfg.Validate(enc, backends))
}

func TestLoader_EnvBatchRootKeepsEncoding(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tap.yaml", `
batch:
  encoding: {format: jsonl, compression: zstd}
  storage: {root: /data/a}
`)
	l := newTestLoader(map[string]string{"TAPSTREAM_BATCH_ROOT": "/data/b"})
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "zstd", cfg.Batch.Encoding.Compression)
	assert.Equal(t, "/data/b", cfg.Batch.Storage.Root)
}

func TestLoader_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		layer string
		env   map[string]string
	}{
		{"missing file", filepath.Join(dir, "missing.yaml"), nil},
		{"wrong extension", writeFile(t, dir, "tap.toml", "x = 1\n"), nil},
		{"directory", func() string {
			p := filepath.Join(dir, "conf.yaml")
			require.NoError(t, os.Mkdir(p, 0755))
			return p
		}(), nil},
		{"bad frequency", "", map[string]string{"TAPSTREAM_STATE_FREQUENCY": "ten"}},
		{"null byte", "", map[string]string{"TAPSTREAM_BATCH_ROOT": "/tmp\x00x"}},
		{"too long", "", map[string]string{"TAPSTREAM_BATCH_ROOT": strings.Repeat("a", maxEnvVarLen+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLoader(tt.env)
			if tt.layer != "" {
				l.AddLayer(tt.layer)
			}
			_, err := l.Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tap.json", `{"streams": [{"id": "users", "rows": "u.jsonl"}]}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Streams, 1)
}

func TestConfig_Validate(t *testing.T) {
	enc, backends := testRegistries(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"zero frequency", func(c *Config) { c.StateMessageFrequency = 0 }, errors.ErrInvalidConfig},
		{"negative parallelism", func(c *Config) { c.MaxParallelStreams = -1 }, errors.ErrInvalidConfig},
		{"port out of range", func(c *Config) { c.Metrics.Port = 70000 }, errors.ErrInvalidConfig},
		{"empty stream id", func(c *Config) { c.Streams = []StreamConfig{{Rows: "x"}} }, errors.ErrInvalidConfig},
		{"duplicate stream", func(c *Config) {
			c.Streams = []StreamConfig{{ID: "users"}, {ID: "users"}}
		}, errors.ErrInvalidConfig},
		{"unknown batch format", func(c *Config) {
			c.Batch = &batch.Config{Encoding: batch.Encoding{Format: "avro"}, Storage: storage.Target{Root: "/tmp"}}
		}, errors.ErrUnknownEncodingFormat},
		{"unknown storage scheme", func(c *Config) {
			c.Batch = &batch.Config{Encoding: batch.Encoding{Format: "jsonl"}, Storage: storage.Target{Root: "gcs://bucket"}}
		}, errors.ErrUnknownStorageScheme},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(enc, backends), tt.wantErr)
		})
	}
}
