package batch

import (
	"bufio"
	"encoding/json"
	stderrors "errors"
	"io"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/schema"
)

type jsonlEncoder struct {
	codec Codec
}

// NewJSONL is the Factory for the jsonl format: one JSON object per line,
// compressed as a whole stream.
func NewJSONL(enc Encoding, _ *schema.Schema) (Encoder, error) {
	codec, err := LookupCodec(enc.Compression)
	if err != nil {
		return nil, err
	}
	return &jsonlEncoder{codec: codec}, nil
}

func (e *jsonlEncoder) Extension() string {
	if e.codec.Extension == "" {
		return FormatJSONL
	}
	return FormatJSONL + "." + e.codec.Extension
}

func (e *jsonlEncoder) Encode(w io.Writer, records []*message.Fields) (err error) {
	cw, err := e.codec.Compress(w)
	if err != nil {
		return errors.Wrap(err, "jsonl", "Encode", "open compressor")
	}
	defer func() {
		if closeErr := cw.Close(); closeErr != nil {
			err = stderrors.Join(err, errors.Wrap(closeErr, "jsonl", "Encode", "close compressor"))
		}
	}()

	bw := bufio.NewWriter(cw)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if rec == nil {
			rec = message.NewFields()
		}
		if err := enc.Encode(rec); err != nil {
			return errors.WrapInvalid(err, "jsonl", "Encode", "encode record")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "jsonl", "Encode", "flush")
	}
	return nil
}

// ReadJSONL decodes a jsonl batch file, compressed per its file name.
func ReadJSONL(name string, r io.Reader) ([]*message.Fields, error) {
	dr, err := CodecForFile(name).Decompress(r)
	if err != nil {
		return nil, errors.WrapInvalid(err, "jsonl", "ReadJSONL", "open decompressor")
	}
	defer dr.Close()

	dec := json.NewDecoder(dr)
	dec.UseNumber()
	var out []*message.Fields
	for {
		rec := message.NewFields()
		if err := dec.Decode(rec); err != nil {
			if stderrors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, errors.WrapInvalid(err, "jsonl", "ReadJSONL", "decode record")
		}
		out = append(out, rec)
	}
}
