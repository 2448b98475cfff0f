package tap

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/c360/tapstream/batch"
	"github.com/c360/tapstream/bookmark"
	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
)

// RowSource produces the raw rows of one stream.
type RowSource interface {
	// Rows starts one pass over the source. The sync exhausts the returned
	// iterator exactly once.
	Rows(ctx context.Context, req RowRequest) (RowIterator, error)
}

// RowIterator yields rows until it returns io.EOF.
type RowIterator interface {
	Next(ctx context.Context) (*message.Fields, error)
	Close() error
}

// RowRequest tells a source where the previous sync stopped. The frontier
// is captured before stale bookmarks are wiped.
type RowRequest struct {
	Stream            string
	ReplicationMethod bookmark.ReplicationMethod
	ReplicationKey    string
	KeyProperties     []string

	// StartValue is the replication_key_value of the previous incremental
	// sync, nil when there is none.
	StartValue any
	// LastPkFetched and MaxPkValues resume an interrupted full-table sync.
	LastPkFetched map[string]any
	MaxPkValues   map[string]any
}

// Resuming reports whether rows before the frontier should be skipped.
func (r RowRequest) Resuming() bool {
	switch r.ReplicationMethod {
	case bookmark.Incremental:
		return r.ReplicationKey != "" && r.StartValue != nil
	case bookmark.FullTable:
		return len(r.MaxPkValues) > 0 && len(r.LastPkFetched) > 0 && len(r.KeyProperties) > 0
	}
	return false
}

// Wants reports whether row lies at or past the resume frontier. Incremental
// syncs keep rows whose replication key is not below StartValue; resumed
// full-table syncs keep rows whose primary key is above LastPkFetched.
// Values that cannot be compared are kept.
func (r RowRequest) Wants(row *message.Fields) bool {
	if !r.Resuming() {
		return true
	}
	switch r.ReplicationMethod {
	case bookmark.Incremental:
		v, ok := row.Get(r.ReplicationKey)
		if !ok {
			return true
		}
		c, ok := compareValues(v, r.StartValue)
		return !ok || c >= 0
	case bookmark.FullTable:
		for _, key := range r.KeyProperties {
			v, _ := row.Get(key)
			c, ok := compareValues(v, r.LastPkFetched[key])
			if !ok {
				return true
			}
			if c != 0 {
				return c > 0
			}
		}
		return false
	}
	return true
}

func compareValues(a, b any) (int, bool) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	af, ok := toNumber(a)
	if !ok {
		return 0, false
	}
	bf, ok := toNumber(b)
	if !ok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	}
	if i, ok := bookmark.ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// SliceSource serves rows from memory.
type SliceSource []*message.Fields

// Rows implements RowSource.
func (s SliceSource) Rows(_ context.Context, req RowRequest) (RowIterator, error) {
	return &filterIterator{req: req, next: (&sliceIterator{rows: s}).Next}, nil
}

type sliceIterator struct {
	rows []*message.Fields
	pos  int
}

func (it *sliceIterator) Next(ctx context.Context) (*message.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	row := it.rows[it.pos]
	it.pos++
	return row.Clone(), nil
}

// JSONLSource reads rows from a newline-delimited JSON file. Files ending
// in a compression extension (.gz, .zst, .lz4, .sz) are decompressed.
type JSONLSource struct {
	Path string
}

// Rows implements RowSource.
func (s JSONLSource) Rows(ctx context.Context, req RowRequest) (RowIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.WrapFatal(err, "JSONLSource", "Rows", fmt.Sprintf("open %s", s.Path))
	}
	r, err := batch.CodecForFile(s.Path).Decompress(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, errors.WrapInvalid(err, "JSONLSource", "Rows", fmt.Sprintf("decompress %s", s.Path))
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	it := &jsonlIterator{path: s.Path, file: f, reader: r, dec: dec}
	return &filterIterator{req: req, next: it.Next, close: it.Close}, nil
}

type jsonlIterator struct {
	path   string
	file   *os.File
	reader io.ReadCloser
	dec    *json.Decoder
	line   int
}

func (it *jsonlIterator) Next(ctx context.Context) (*message.Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := message.NewFields()
	if err := it.dec.Decode(row); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.WrapInvalid(
			errors.Mark(errors.ErrParsingFailed, err),
			"JSONLSource", "Next", fmt.Sprintf("decode row %d of %s", it.line+1, it.path))
	}
	it.line++
	return row, nil
}

func (it *jsonlIterator) Close() error {
	return stderrors.Join(it.reader.Close(), it.file.Close())
}

// filterIterator drops rows before the resume frontier.
type filterIterator struct {
	req   RowRequest
	next  func(context.Context) (*message.Fields, error)
	close func() error
}

func (it *filterIterator) Next(ctx context.Context) (*message.Fields, error) {
	for {
		row, err := it.next(ctx)
		if err != nil {
			return nil, err
		}
		if it.req.Wants(row) {
			return row, nil
		}
	}
}

func (it *filterIterator) Close() error {
	if it.close == nil {
		return nil
	}
	return it.close()
}
