package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/pkg/timestamp"
)

// Type is the discriminant written in the "type" key of every message.
type Type string

// Message types of the protocol.
const (
	TypeRecord          Type = "RECORD"
	TypeSchema          Type = "SCHEMA"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
	TypeBatch           Type = "BATCH"
)

// Message is implemented by the five protocol message variants.
type Message interface {
	MessageType() Type
}

// Record carries one canonical record of a stream.
type Record struct {
	Stream        string
	Record        *Fields
	Version       *int64    // omitted when nil
	TimeExtracted time.Time // omitted when zero
}

// Schema announces the schema of a stream.
type Schema struct {
	Stream             string
	Schema             json.RawMessage
	KeyProperties      []string
	BookmarkProperties []string // omitted when empty
}

// State carries a full snapshot of the bookmark document.
type State struct {
	Value map[string]any
}

// ActivateVersion marks the start or end of a table version.
type ActivateVersion struct {
	Stream  string
	Version int64
}

// Encoding describes how the files of a BATCH manifest are written.
type Encoding struct {
	Format      string `json:"format"`
	Compression string `json:"compression,omitempty"`
}

// Batch points the consumer at files holding records of a stream.
type Batch struct {
	Stream   string
	Encoding Encoding
	Manifest []string
}

func (*Record) MessageType() Type          { return TypeRecord }
func (*Schema) MessageType() Type          { return TypeSchema }
func (*State) MessageType() Type           { return TypeState }
func (*ActivateVersion) MessageType() Type { return TypeActivateVersion }
func (*Batch) MessageType() Type           { return TypeBatch }

type recordWire struct {
	Type          Type    `json:"type"`
	Stream        string  `json:"stream"`
	Record        *Fields `json:"record"`
	Version       *int64  `json:"version,omitempty"`
	TimeExtracted string  `json:"time_extracted,omitempty"`
}

type schemaWire struct {
	Type               Type            `json:"type"`
	Stream             string          `json:"stream"`
	Schema             json.RawMessage `json:"schema"`
	KeyProperties      []string        `json:"key_properties"`
	BookmarkProperties []string        `json:"bookmark_properties,omitempty"`
}

type stateWire struct {
	Type  Type           `json:"type"`
	Value map[string]any `json:"value"`
}

type activateVersionWire struct {
	Type    Type   `json:"type"`
	Stream  string `json:"stream"`
	Version int64  `json:"version"`
}

type batchWire struct {
	Type     Type     `json:"type"`
	Stream   string   `json:"stream"`
	Encoding Encoding `json:"encoding"`
	Manifest []string `json:"manifest"`
}

// Marshal encodes msg as a single-line JSON object without a trailing newline.
func Marshal(msg Message) ([]byte, error) {
	var wire any
	switch m := msg.(type) {
	case *Record:
		rec := m.Record
		if rec == nil {
			rec = NewFields()
		}
		w := recordWire{Type: TypeRecord, Stream: m.Stream, Record: rec, Version: m.Version}
		if !m.TimeExtracted.IsZero() {
			w.TimeExtracted = timestamp.FormatISO(m.TimeExtracted)
		}
		wire = w
	case *Schema:
		schema := m.Schema
		if len(schema) == 0 {
			schema = json.RawMessage("{}")
		}
		keys := m.KeyProperties
		if keys == nil {
			keys = []string{}
		}
		wire = schemaWire{
			Type:               TypeSchema,
			Stream:             m.Stream,
			Schema:             schema,
			KeyProperties:      keys,
			BookmarkProperties: m.BookmarkProperties,
		}
	case *State:
		value := m.Value
		if value == nil {
			value = map[string]any{}
		}
		wire = stateWire{Type: TypeState, Value: value}
	case *ActivateVersion:
		wire = activateVersionWire{Type: TypeActivateVersion, Stream: m.Stream, Version: m.Version}
	case *Batch:
		manifest := m.Manifest
		if manifest == nil {
			manifest = []string{}
		}
		wire = batchWire{Type: TypeBatch, Stream: m.Stream, Encoding: m.Encoding, Manifest: manifest}
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported message %T", errors.ErrInvalidData, msg),
			"message", "Marshal", "select wire format")
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Marshal", fmt.Sprintf("encode %s", msg.MessageType()))
	}
	return data, nil
}

// Parse decodes one protocol line back into its message variant.
// Numbers decode as json.Number.
func Parse(line []byte) (Message, error) {
	var envelope struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, errors.WrapInvalid(err, "message", "Parse", "decode envelope")
	}

	switch envelope.Type {
	case TypeRecord:
		var w recordWire
		if err := decode(line, &w); err != nil {
			return nil, err
		}
		rec := &Record{Stream: w.Stream, Record: w.Record, Version: w.Version}
		if rec.Record == nil {
			rec.Record = NewFields()
		}
		if w.TimeExtracted != "" {
			t, err := time.Parse(time.RFC3339Nano, w.TimeExtracted)
			if err != nil {
				return nil, errors.WrapInvalid(err, "message", "Parse", "parse time_extracted")
			}
			rec.TimeExtracted = t
		}
		return rec, nil
	case TypeSchema:
		var w schemaWire
		if err := decode(line, &w); err != nil {
			return nil, err
		}
		return &Schema{
			Stream:             w.Stream,
			Schema:             w.Schema,
			KeyProperties:      w.KeyProperties,
			BookmarkProperties: w.BookmarkProperties,
		}, nil
	case TypeState:
		var w stateWire
		if err := decode(line, &w); err != nil {
			return nil, err
		}
		return &State{Value: w.Value}, nil
	case TypeActivateVersion:
		var w activateVersionWire
		if err := decode(line, &w); err != nil {
			return nil, err
		}
		return &ActivateVersion{Stream: w.Stream, Version: w.Version}, nil
	case TypeBatch:
		var w batchWire
		if err := decode(line, &w); err != nil {
			return nil, err
		}
		return &Batch{Stream: w.Stream, Encoding: w.Encoding, Manifest: w.Manifest}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown message type %q", errors.ErrInvalidData, envelope.Type),
			"message", "Parse", "dispatch message type")
	}
}

func decode(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(err, "message", "Parse", "decode body")
	}
	return nil
}
