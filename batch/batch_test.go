package batch

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/apache/arrow/go/v11/parquet/file"
	"github.com/apache/arrow/go/v11/parquet/pqarrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/metric"
	"github.com/c360/tapstream/storage"
	"github.com/c360/tapstream/testutil"
)

func newTestRegistries(t *testing.T, backend *testutil.MemoryBackend) (*EncodingRegistry, *storage.Registry) {
	encodings := NewEncodingRegistry()
	require.NoError(t, encodings.Register(FormatJSONL, NewJSONL))
	require.NoError(t, encodings.Register(FormatParquet, NewParquet))

	backends := storage.NewRegistry()
	require.NoError(t, backends.Register("mem", backend.Factory()))
	return encodings, backends
}

func sequentialNames() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%04d", n.Add(1)) }
}

func ids(t *testing.T, records []*message.Fields) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		v, ok := rec.Get("id")
		require.True(t, ok)
		out = append(out, fmt.Sprint(v))
	}
	return out
}

func TestChunk(t *testing.T) {
	records := testutil.UserRows(7)

	chunks := Chunk(records, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[1], 3)
	assert.Len(t, chunks[2], 1)

	assert.Len(t, Chunk(records, 7), 1)
	assert.Len(t, Chunk(records, 100), 1)
	assert.Empty(t, Chunk(nil, 3))
	assert.Len(t, Chunk(records, 0), 1, "non-positive size falls back to the default")
}

func TestWriteBatch_JSONLChunksInOrder(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends, WithParallelism(3))
	writer.newName = sequentialNames()

	records := testutil.UserRows(7)
	cfg := Config{
		Encoding:  Encoding{Format: FormatJSONL},
		Storage:   storage.Target{Root: "mem://bucket", Prefix: "tap-"},
		BatchSize: 3,
	}

	manifest, err := writer.WriteBatch(context.Background(), "users", testutil.UsersSchema(), records, cfg)
	require.NoError(t, err)
	require.Len(t, manifest, 3)
	assert.Equal(t, Manifest{
		"mem://bucket/tap-users-0001.jsonl",
		"mem://bucket/tap-users-0002.jsonl",
		"mem://bucket/tap-users-0003.jsonl",
	}, manifest)

	var all []*message.Fields
	sizes := []int{}
	for _, ref := range manifest {
		data, ok := backend.ObjectByURL(ref)
		require.True(t, ok, ref)
		decoded, err := ReadJSONL(ref, bytes.NewReader(data))
		require.NoError(t, err)
		sizes = append(sizes, len(decoded))
		all = append(all, decoded...)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7"}, ids(t, all))

	first, _ := all[0].Get("name")
	assert.Equal(t, "user-01", first)
	assert.Equal(t, 1, backend.Opened())
	assert.Equal(t, 1, backend.Closed())
}

func TestWriteBatch_CompressionRoundTrip(t *testing.T) {
	for _, codec := range Codecs() {
		t.Run(codec, func(t *testing.T) {
			backend := testutil.NewMemoryBackend("mem://bucket")
			encodings, backends := newTestRegistries(t, backend)
			writer := NewWriter(encodings, backends)

			records := testutil.UserRows(5)
			manifest, err := writer.WriteBatch(context.Background(), "users", testutil.UsersSchema(), records, Config{
				Encoding: Encoding{Format: FormatJSONL, Compression: codec},
				Storage:  storage.Target{Root: "mem://bucket"},
			})
			require.NoError(t, err)
			require.Len(t, manifest, 1)

			c, err := LookupCodec(codec)
			require.NoError(t, err)
			if c.Extension != "" {
				assert.True(t, strings.HasSuffix(manifest[0], ".jsonl."+c.Extension), manifest[0])
			} else {
				assert.True(t, strings.HasSuffix(manifest[0], ".jsonl"), manifest[0])
			}

			data, ok := backend.ObjectByURL(manifest[0])
			require.True(t, ok)
			decoded, err := ReadJSONL(manifest[0], bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, []string{"1", "2", "3", "4", "5"}, ids(t, decoded))
		})
	}
}

func TestWriteBatch_Parquet(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends)

	records := testutil.UserRows(7)
	records[6].Set("name", nil)
	records[6].Set("tags", []any{"a", "b"})

	manifest, err := writer.WriteBatch(context.Background(), "users", testutil.UsersSchema(), records, Config{
		Encoding:  Encoding{Format: FormatParquet, Compression: CompressionSnappy},
		Storage:   storage.Target{Root: "mem://bucket"},
		BatchSize: 4,
	})
	require.NoError(t, err)
	require.Len(t, manifest, 2)

	var rows int64
	var lastTable *readTable
	for _, ref := range manifest {
		assert.True(t, strings.HasSuffix(ref, ".parquet"))
		data, ok := backend.ObjectByURL(ref)
		require.True(t, ok)
		tbl := readParquet(t, data)
		rows += tbl.rows
		lastTable = tbl
	}
	assert.Equal(t, int64(7), rows)

	// Columns are in property name order: active, id, name, score, tags, updated_at.
	assert.Equal(t, []string{"active", "id", "name", "score", "tags", "updated_at"}, lastTable.columns)
	assert.Equal(t, []int64{5, 6, 7}, lastTable.ids)
	assert.True(t, lastTable.lastNameNull)
	assert.Equal(t, `["a","b"]`, lastTable.lastTags)
}

type readTable struct {
	rows         int64
	columns      []string
	ids          []int64
	lastNameNull bool
	lastTags     string
}

func readParquet(t *testing.T, data []byte) *readTable {
	t.Helper()
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	out := &readTable{rows: tbl.NumRows()}
	for i := 0; i < int(tbl.NumCols()); i++ {
		out.columns = append(out.columns, tbl.Column(i).Name())
	}

	idCol := tbl.Column(1).Data().Chunk(0).(*array.Int64)
	for i := 0; i < idCol.Len(); i++ {
		out.ids = append(out.ids, idCol.Value(i))
	}
	nameCol := tbl.Column(2).Data().Chunk(0).(*array.String)
	out.lastNameNull = nameCol.IsNull(nameCol.Len() - 1)
	tagsCol := tbl.Column(4).Data().Chunk(0).(*array.String)
	if !tagsCol.IsNull(tagsCol.Len() - 1) {
		out.lastTags = tagsCol.Value(tagsCol.Len() - 1)
	}
	return out
}

func TestWriteBatch_ParquetRejectsMistypedValues(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends)

	records := []*message.Fields{message.FieldsOf("id", "not-a-number")}
	_, err := writer.WriteBatch(context.Background(), "users", testutil.UsersSchema(), records, Config{
		Encoding: Encoding{Format: FormatParquet},
		Storage:  storage.Target{Root: "mem://bucket"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBatchWriteFailed)
	assert.ErrorIs(t, err, errors.ErrSchemaMismatch)
}

func TestWriteBatch_FailureReturnsNoManifest(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	backend.FailOn = "0002"
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends, WithParallelism(1))
	writer.newName = sequentialNames()

	manifest, err := writer.WriteBatch(context.Background(), "users", testutil.UsersSchema(), testutil.UserRows(7), Config{
		Encoding:  Encoding{Format: FormatJSONL},
		Storage:   storage.Target{Root: "mem://bucket"},
		BatchSize: 3,
	})
	require.Error(t, err)
	assert.Nil(t, manifest)
	assert.ErrorIs(t, err, errors.ErrBatchWriteFailed)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, 1, backend.Closed(), "backend released on failure")

	_, ok := backend.Object("users-0001.jsonl")
	assert.True(t, ok, "files written before the failure are left in place")
}

func TestWriteBatch_UnknownFormatAndScheme(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends)

	_, err := writer.WriteBatch(context.Background(), "users", nil, testutil.UserRows(1), Config{
		Encoding: Encoding{Format: "avro"},
		Storage:  storage.Target{Root: "mem://bucket"},
	})
	assert.ErrorIs(t, err, errors.ErrUnknownEncodingFormat)
	assert.ErrorIs(t, err, errors.ErrBatchWriteFailed)

	_, err = writer.WriteBatch(context.Background(), "users", nil, testutil.UserRows(1), Config{
		Encoding: Encoding{Format: FormatJSONL},
		Storage:  storage.Target{Root: "gcs://bucket"},
	})
	assert.ErrorIs(t, err, errors.ErrUnknownStorageScheme)
	assert.ErrorIs(t, err, errors.ErrBatchWriteFailed)

	_, err = writer.WriteBatch(context.Background(), "users", nil, testutil.UserRows(1), Config{
		Encoding: Encoding{Format: FormatJSONL, Compression: "brotli"},
		Storage:  storage.Target{Root: "mem://bucket"},
	})
	assert.ErrorIs(t, err, errors.ErrUnknownCompression)
}

func TestWriteBatch_EmptyRecords(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	writer := NewWriter(encodings, backends)

	manifest, err := writer.WriteBatch(context.Background(), "users", nil, nil, Config{
		Encoding: Encoding{Format: FormatJSONL},
		Storage:  storage.Target{Root: "mem://bucket"},
	})
	require.NoError(t, err)
	assert.NotNil(t, manifest)
	assert.Empty(t, manifest)
}

func TestWriteBatch_RecordsMetrics(t *testing.T) {
	backend := testutil.NewMemoryBackend("mem://bucket")
	encodings, backends := newTestRegistries(t, backend)
	registry := metric.NewMetricsRegistry()
	writer := NewWriter(encodings, backends, WithMetrics(registry))

	_, err := writer.WriteBatch(context.Background(), "users", nil, testutil.UserRows(4), Config{
		Encoding:  Encoding{Format: FormatJSONL},
		Storage:   storage.Target{Root: "mem://bucket"},
		BatchSize: 2,
	})
	require.NoError(t, err)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] += m.GetCounter().GetValue()
			}
			if m.GetHistogram() != nil {
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, values["tapstream_batch_files_total"])
	assert.Greater(t, values["tapstream_batch_bytes_total"], 0.0)
	assert.Equal(t, 1.0, values["tapstream_batch_write_duration_seconds"])
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "tap-users-abc.jsonl.gz", FileName("tap-", "users", "abc", "jsonl.gz"))
	assert.Equal(t, "users-abc.parquet", FileName("", "users", "abc", "parquet"))
}
