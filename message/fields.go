package message

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/tapstream/errors"
)

// Fields is an ordered field name to value mapping. Insertion order is kept
// through JSON encoding so records are written in the order the source
// produced their columns. Setting an existing key keeps its position.
type Fields struct {
	keys   []string
	values map[string]any
}

// NewFields returns an empty Fields.
func NewFields() *Fields {
	return &Fields{values: make(map[string]any)}
}

// FieldsOf builds Fields from alternating key, value arguments.
// It panics on an odd argument count or a non-string key, like a literal would
// fail to compile.
func FieldsOf(kv ...any) *Fields {
	if len(kv)%2 != 0 {
		panic("message.FieldsOf: odd number of arguments")
	}
	f := NewFields()
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			panic(fmt.Sprintf("message.FieldsOf: key %v is not a string", kv[i]))
		}
		f.Set(key, kv[i+1])
	}
	return f
}

// Set assigns value to key.
func (f *Fields) Set(key string, value any) {
	if f.values == nil {
		f.values = make(map[string]any)
	}
	if _, exists := f.values[key]; !exists {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Get returns the value for key and whether it is present.
func (f *Fields) Get(key string) (any, bool) {
	if f == nil {
		return nil, false
	}
	v, ok := f.values[key]
	return v, ok
}

// Len returns the number of fields.
func (f *Fields) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keys)
}

// Keys returns the field names in order.
func (f *Fields) Keys() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

// Range calls fn for each field in order until fn returns false.
func (f *Fields) Range(fn func(key string, value any) bool) {
	if f == nil {
		return
	}
	for _, k := range f.keys {
		if !fn(k, f.values[k]) {
			return
		}
	}
}

// Map returns the fields as an unordered map. Values are not copied.
func (f *Fields) Map() map[string]any {
	out := make(map[string]any, f.Len())
	f.Range(func(k string, v any) bool {
		out[k] = v
		return true
	})
	return out
}

// Subset returns the named fields that are present.
func (f *Fields) Subset(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := f.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// Clone returns a shallow copy.
func (f *Fields) Clone() *Fields {
	out := NewFields()
	f.Range(func(k string, v any) bool {
		out.Set(k, v)
		return true
	})
	return out
}

// MarshalJSON implements json.Marshaler preserving field order.
func (f *Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Fields", "MarshalJSON", "encode key")
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(f.values[k])
		if err != nil {
			return nil, errors.WrapInvalid(err, "Fields", "MarshalJSON", fmt.Sprintf("encode field %q", k))
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Top-level order is preserved;
// nested objects decode to map[string]any and numbers to json.Number.
func (f *Fields) UnmarshalJSON(data []byte) error {
	f.keys = nil
	f.values = make(map[string]any)

	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return errors.WrapInvalid(err, "Fields", "UnmarshalJSON", "read object start")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.WrapInvalid(errors.ErrInvalidData, "Fields", "UnmarshalJSON", "expect JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return errors.WrapInvalid(err, "Fields", "UnmarshalJSON", "read key")
		}
		key, ok := tok.(string)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidData, "Fields", "UnmarshalJSON", "read key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return errors.WrapInvalid(err, "Fields", "UnmarshalJSON", fmt.Sprintf("decode field %q", key))
		}
		f.Set(key, value)
	}

	if _, err := dec.Token(); err != nil {
		return errors.WrapInvalid(err, "Fields", "UnmarshalJSON", "read object end")
	}
	return nil
}
