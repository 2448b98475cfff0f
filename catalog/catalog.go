// Package catalog reads and writes the stream catalog: the schema, primary
// key and metadata of every stream a tap can sync.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/c360/tapstream/errors"
)

// Entry describes one stream.
type Entry struct {
	TapStreamID       string          `json:"tap_stream_id"`
	Stream            string          `json:"stream,omitempty"`
	Schema            json.RawMessage `json:"schema"`
	Metadata          MetadataList    `json:"metadata"`
	KeyProperties     []string        `json:"key_properties,omitempty"`
	ReplicationKey    string          `json:"replication_key,omitempty"`
	ReplicationMethod string          `json:"replication_method,omitempty"`
}

// ID returns the stream identifier, falling back to the stream name.
func (e *Entry) ID() string {
	if e.TapStreamID != "" {
		return e.TapStreamID
	}
	return e.Stream
}

// PrimaryKey returns explicit key properties, else those from metadata.
func (e *Entry) PrimaryKey() []string {
	if len(e.KeyProperties) > 0 {
		return append([]string(nil), e.KeyProperties...)
	}
	return KeyProperties(e.Metadata)
}

// Selected reports whether the stream should be synced. An explicit
// "selected" wins, then "selected-by-default"; with neither the stream is
// synced.
func (e *Entry) Selected() bool {
	if v, ok := Bool(e.Metadata, KeySelected); ok {
		return v
	}
	if v, ok := Bool(e.Metadata, KeySelectedByDefault); ok {
		return v
	}
	return true
}

// Catalog is the set of streams.
type Catalog struct {
	Streams []Entry `json:"streams"`
}

// Get returns the entry with the given stream identifier.
func (c *Catalog) Get(id string) (*Entry, bool) {
	for i := range c.Streams {
		if c.Streams[i].ID() == id {
			return &c.Streams[i], true
		}
	}
	return nil, false
}

// SelectedStreams returns the entries that should be synced, in catalog order.
func (c *Catalog) SelectedStreams() []*Entry {
	out := make([]*Entry, 0, len(c.Streams))
	for i := range c.Streams {
		if c.Streams[i].Selected() {
			out = append(out, &c.Streams[i])
		}
	}
	return out
}

// Load decodes a catalog document.
func Load(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, errors.WrapInvalid(errors.Mark(errors.ErrParsingFailed, err), "catalog", "Load", "decode catalog")
	}
	for i := range c.Streams {
		if c.Streams[i].ID() == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: stream %d has no tap_stream_id", errors.ErrInvalidData, i),
				"catalog", "Load", "validate catalog")
		}
	}
	return &c, nil
}

// LoadFile reads a catalog from path.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "catalog", "LoadFile", "open catalog")
	}
	defer f.Close()
	return Load(f)
}

// Write encodes the catalog as indented JSON.
func (c *Catalog) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return errors.WrapTransient(err, "catalog", "Write", "encode catalog")
	}
	return nil
}
