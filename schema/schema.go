// Package schema indexes the JSON Schema of a stream for record typing.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
)

// JSON Schema type names.
const (
	TypeNull    = "null"
	TypeBoolean = "boolean"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeString  = "string"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Property is the typing information of one top-level property.
type Property struct {
	Types  []string
	Format string
}

// HasType reports whether t is among the declared types.
func (p Property) HasType(t string) bool {
	for _, declared := range p.Types {
		if declared == t {
			return true
		}
	}
	return false
}

// Primary returns the first declared non-null type, or "" if there is none.
func (p Property) Primary() string {
	for _, declared := range p.Types {
		if declared != TypeNull {
			return declared
		}
	}
	return ""
}

// Schema is a parsed and compiled stream schema.
type Schema struct {
	raw        json.RawMessage
	properties map[string]Property
	compiled   *gojsonschema.Schema
}

type propertyDoc struct {
	Type   json.RawMessage `json:"type"`
	Format string          `json:"format"`
	AnyOf  []propertyDoc   `json:"anyOf"`
}

// Parse compiles raw as a JSON Schema and indexes its top-level properties.
func Parse(raw []byte) (*Schema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, errors.WrapInvalid(errors.Mark(errors.ErrInvalidData, err), "schema", "Parse", "compile JSON schema")
	}

	var doc struct {
		Properties map[string]propertyDoc `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "schema", "Parse", "decode properties")
	}

	props := make(map[string]Property, len(doc.Properties))
	for name, p := range doc.Properties {
		prop, err := toProperty(p)
		if err != nil {
			return nil, errors.WrapInvalid(err, "schema", "Parse", fmt.Sprintf("read property %q", name))
		}
		props[name] = prop
	}

	return &Schema{
		raw:        append(json.RawMessage(nil), raw...),
		properties: props,
		compiled:   compiled,
	}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) *Schema {
	s, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

func toProperty(p propertyDoc) (Property, error) {
	prop := Property{Format: p.Format}
	if len(p.Type) > 0 {
		types, err := decodeTypes(p.Type)
		if err != nil {
			return prop, err
		}
		prop.Types = types
	}
	for _, alt := range p.AnyOf {
		sub, err := toProperty(alt)
		if err != nil {
			return prop, err
		}
		for _, t := range sub.Types {
			if !prop.HasType(t) {
				prop.Types = append(prop.Types, t)
			}
		}
		if prop.Format == "" {
			prop.Format = sub.Format
		}
	}
	return prop, nil
}

// decodeTypes accepts both "type": "string" and "type": ["string", "null"].
func decodeTypes(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: type must be a string or list of strings", errors.ErrInvalidData)
	}
	return list, nil
}

// Raw returns the schema document as given to Parse.
func (s *Schema) Raw() json.RawMessage {
	return s.raw
}

// Property returns the typing of a top-level property.
func (s *Schema) Property(name string) (Property, bool) {
	p, ok := s.properties[name]
	return p, ok
}

// Properties returns the declared property names in sorted order.
func (s *Schema) Properties() []string {
	names := make([]string, 0, len(s.properties))
	for name := range s.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a canonical record against the full JSON Schema.
func (s *Schema) Validate(record *message.Fields) error {
	if record == nil {
		record = message.NewFields()
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(record))
	if err != nil {
		return errors.WrapInvalid(err, "schema", "Validate", "run validation")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrSchemaMismatch, strings.Join(problems, "; ")),
		"schema", "Validate", "validate record")
}
