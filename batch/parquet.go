package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/apache/arrow/go/v11/arrow"
	"github.com/apache/arrow/go/v11/arrow/array"
	"github.com/apache/arrow/go/v11/arrow/memory"
	"github.com/apache/arrow/go/v11/parquet"
	"github.com/apache/arrow/go/v11/parquet/compress"
	"github.com/apache/arrow/go/v11/parquet/pqarrow"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/schema"
)

type parquetEncoder struct {
	schema *arrow.Schema
	codec  compress.Compression
}

// NewParquet is the Factory for the parquet format. Columns follow the
// stream schema's properties in name order: integer maps to int64, number
// to float64, boolean to bool, string to utf8, and anything else is stored
// as JSON text. Every column is nullable.
func NewParquet(enc Encoding, s *schema.Schema) (Encoder, error) {
	if s == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: parquet needs a stream schema", errors.ErrInvalidArgument),
			"parquet", "NewParquet", "build arrow schema")
	}
	codec, err := LookupCodec(enc.Compression)
	if err != nil {
		return nil, err
	}
	pc, err := codec.Parquet()
	if err != nil {
		return nil, err
	}
	return &parquetEncoder{schema: ArrowSchema(s), codec: pc}, nil
}

// ArrowSchema derives the arrow schema of a stream.
func ArrowSchema(s *schema.Schema) *arrow.Schema {
	names := s.Properties()
	fields := make([]arrow.Field, 0, len(names))
	for _, name := range names {
		prop, _ := s.Property(name)
		fields = append(fields, arrow.Field{Name: name, Type: arrowType(prop), Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(p schema.Property) arrow.DataType {
	switch p.Primary() {
	case schema.TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case schema.TypeNumber:
		return arrow.PrimitiveTypes.Float64
	case schema.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func (e *parquetEncoder) Extension() string {
	return FormatParquet
}

func (e *parquetEncoder) Encode(w io.Writer, records []*message.Fields) error {
	builder := array.NewRecordBuilder(memory.NewGoAllocator(), e.schema)
	defer builder.Release()

	for _, rec := range records {
		for i, field := range e.schema.Fields() {
			var v any
			if rec != nil {
				v, _ = rec.Get(field.Name)
			}
			if err := appendValue(builder.Field(i), v); err != nil {
				return errors.WrapInvalid(
					fmt.Errorf("%w: column %q: %w", errors.ErrSchemaMismatch, field.Name, err),
					"parquet", "Encode", "build column")
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(e.codec),
		parquet.WithCreatedBy("tapstream"),
	)
	writer, err := pqarrow.NewFileWriter(e.schema, nopWriteCloser{w}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return errors.Wrap(err, "parquet", "Encode", "open writer")
	}
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "parquet", "Encode", "write row group")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "parquet", "Encode", "close writer")
	}
	return nil
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch b := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		flag, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want boolean, got %T", v)
		}
		b.Append(flag)
	case *array.StringBuilder:
		s, err := toText(v)
		if err != nil {
			return err
		}
		b.Append(s)
	default:
		return fmt.Errorf("unsupported column builder %T", b)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("want integer, got %v", n)
		}
		return int64(n), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("integer %d overflows int64", u)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	if n, ok := v.(json.Number); ok {
		return n.Float64()
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("want number, got %T", v)
}

func toText(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case json.RawMessage:
		return string(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
