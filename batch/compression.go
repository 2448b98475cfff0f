package batch

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/apache/arrow/go/v11/parquet/compress"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/tapstream/errors"
)

// Compression codec names.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionLZ4    = "lz4"
	CompressionSnappy = "snappy"
)

// Codec compresses a byte stream. Parquet files compress their pages
// instead of the whole stream, so a codec also names its parquet equivalent.
type Codec struct {
	Name      string
	Extension string // without the leading dot; empty for none

	compress   func(w io.Writer) (io.WriteCloser, error)
	decompress func(r io.Reader) (io.ReadCloser, error)

	parquet   compress.Compression
	parquetOK bool
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

var codecs = map[string]Codec{
	CompressionNone: {
		Name:       CompressionNone,
		compress:   func(w io.Writer) (io.WriteCloser, error) { return nopWriteCloser{w}, nil },
		decompress: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil },
		parquet:    compress.Codecs.Uncompressed,
		parquetOK:  true,
	},
	CompressionGzip: {
		Name:       CompressionGzip,
		Extension:  "gz",
		compress:   func(w io.Writer) (io.WriteCloser, error) { return gzip.NewWriter(w), nil },
		decompress: func(r io.Reader) (io.ReadCloser, error) { return gzip.NewReader(r) },
		parquet:    compress.Codecs.Gzip,
		parquetOK:  true,
	},
	CompressionZstd: {
		Name:      CompressionZstd,
		Extension: "zst",
		compress:  func(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) },
		decompress: func(r io.Reader) (io.ReadCloser, error) {
			d, err := zstd.NewReader(r)
			if err != nil {
				return nil, err
			}
			return d.IOReadCloser(), nil
		},
		parquet:   compress.Codecs.Zstd,
		parquetOK: true,
	},
	CompressionLZ4: {
		Name:       CompressionLZ4,
		Extension:  "lz4",
		compress:   func(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil },
		decompress: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(lz4.NewReader(r)), nil },
	},
	CompressionSnappy: {
		Name:       CompressionSnappy,
		Extension:  "sz",
		compress:   func(w io.Writer) (io.WriteCloser, error) { return snappy.NewBufferedWriter(w), nil },
		decompress: func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(snappy.NewReader(r)), nil },
		parquet:    compress.Codecs.Snappy,
		parquetOK:  true,
	},
}

// LookupCodec returns the codec for name. An empty name means none.
func LookupCodec(name string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = CompressionNone
	}
	codec, ok := codecs[key]
	if !ok {
		return Codec{}, errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownCompression, name),
			"batch", "LookupCodec", "look up compression")
	}
	return codec, nil
}

// Codecs returns the supported codec names in sorted order.
func Codecs() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Compress wraps w. Closing the returned writer flushes the codec but does
// not close w.
func (c Codec) Compress(w io.Writer) (io.WriteCloser, error) {
	return c.compress(w)
}

// Decompress wraps r with the matching reader.
func (c Codec) Decompress(r io.Reader) (io.ReadCloser, error) {
	return c.decompress(r)
}

// Parquet returns the parquet page codec.
func (c Codec) Parquet() (compress.Compression, error) {
	if !c.parquetOK {
		return compress.Codecs.Uncompressed, errors.WrapFatal(
			fmt.Errorf("%w: %q is not available for parquet", errors.ErrUnknownCompression, c.Name),
			"batch", "Codec.Parquet", "map compression")
	}
	return c.parquet, nil
}

// CodecForFile picks the codec from a file name extension, defaulting to none.
func CodecForFile(name string) Codec {
	for _, codec := range codecs {
		if codec.Extension != "" && strings.HasSuffix(name, "."+codec.Extension) {
			return codec
		}
	}
	return codecs[CompressionNone]
}
