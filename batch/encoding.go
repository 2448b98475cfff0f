// Package batch writes stream records to encoded files and reports them as
// a manifest for a BATCH message.
package batch

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/schema"
)

// Built-in encoding formats.
const (
	FormatJSONL   = "jsonl"
	FormatParquet = "parquet"
)

// Encoding names a file format and an optional compression codec.
type Encoding struct {
	Format      string `json:"format" yaml:"format"`
	Compression string `json:"compression,omitempty" yaml:"compression"`
}

// Message returns the wire form used in BATCH messages.
func (e Encoding) Message() message.Encoding {
	return message.Encoding(e)
}

// AsMap returns the map form used in configuration documents.
func (e Encoding) AsMap() map[string]any {
	m := map[string]any{"format": e.Format}
	if e.Compression != "" {
		m["compression"] = e.Compression
	}
	return m
}

// Encoder writes one batch file.
type Encoder interface {
	// Extension is the file name extension without the leading dot.
	Extension() string
	// Encode writes records to w. It does not close w.
	Encode(w io.Writer, records []*message.Fields) error
}

// Factory builds an Encoder for an encoding and the stream schema.
type Factory func(enc Encoding, s *schema.Schema) (Encoder, error)

// EncodingRegistry maps format names to encoder factories. It starts empty;
// formats are registered explicitly.
type EncodingRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewEncodingRegistry returns an empty registry.
func NewEncodingRegistry() *EncodingRegistry {
	return &EncodingRegistry{factories: make(map[string]Factory)}
}

// Register binds format to factory. Registering a format again replaces the
// previous factory.
func (r *EncodingRegistry) Register(format string, factory Factory) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" || factory == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: format and factory are required", errors.ErrInvalidArgument),
			"EncodingRegistry", "Register", "validate registration")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[format] = factory
	return nil
}

// Lookup returns the factory for format.
func (r *EncodingRegistry) Lookup(format string) (Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(format)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownEncodingFormat, format),
			"EncodingRegistry", "Lookup", "look up encoding format")
	}
	return factory, nil
}

// Has reports whether format is registered.
func (r *EncodingRegistry) Has(format string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(format)]
	return ok
}

// Formats returns the registered formats in sorted order.
func (r *EncodingRegistry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for format := range r.factories {
		out = append(out, format)
	}
	sort.Strings(out)
	return out
}

// Encoder builds the encoder for enc.
func (r *EncodingRegistry) Encoder(enc Encoding, s *schema.Schema) (Encoder, error) {
	factory, err := r.Lookup(enc.Format)
	if err != nil {
		return nil, err
	}
	return factory(enc, s)
}
