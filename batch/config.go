package batch

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/storage"
)

// DefaultBatchSize is the record limit of one batch file.
const DefaultBatchSize = 10000

// Config selects how and where batch files are written.
type Config struct {
	Encoding  Encoding       `json:"encoding" yaml:"encoding"`
	Storage   storage.Target `json:"storage" yaml:"storage"`
	BatchSize int            `json:"batch_size,omitempty" yaml:"batch_size"`
}

// Size returns BatchSize, or DefaultBatchSize when it is not positive.
func (c Config) Size() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

// AsMap returns the map form used in configuration documents.
func (c Config) AsMap() map[string]any {
	m := map[string]any{
		"encoding": c.Encoding.AsMap(),
		"storage":  c.Storage.AsMap(),
	}
	if c.BatchSize > 0 {
		m["batch_size"] = c.BatchSize
	}
	return m
}

// Validate checks the encoding against the registries and the storage root.
func (c Config) Validate(encodings *EncodingRegistry, backends *storage.Registry) error {
	if _, err := encodings.Lookup(c.Encoding.Format); err != nil {
		return err
	}
	if _, err := LookupCodec(c.Encoding.Compression); err != nil {
		return err
	}
	scheme, err := c.Storage.Scheme()
	if err != nil {
		return errors.WrapInvalid(err, "batch", "Config.Validate", "parse storage root")
	}
	if backends != nil && !backends.Has(scheme) {
		return errors.WrapFatal(
			fmt.Errorf("%w: %q", errors.ErrUnknownStorageScheme, scheme),
			"batch", "Config.Validate", "look up storage scheme")
	}
	return nil
}

// DecodeEncoding reads an encoding from its map form. The format must be
// registered in reg.
func DecodeEncoding(m map[string]any, reg *EncodingRegistry) (Encoding, error) {
	format, _ := m["format"].(string)
	if format == "" {
		return Encoding{}, errors.WrapInvalid(
			fmt.Errorf("%w: encoding format is required", errors.ErrInvalidConfig),
			"batch", "DecodeEncoding", "read format")
	}
	if _, err := reg.Lookup(format); err != nil {
		return Encoding{}, err
	}

	enc := Encoding{Format: format}
	if raw, ok := m["compression"]; ok && raw != nil {
		compression, isString := raw.(string)
		if !isString {
			return Encoding{}, errors.WrapInvalid(
				fmt.Errorf("%w: compression must be a string", errors.ErrInvalidConfig),
				"batch", "DecodeEncoding", "read compression")
		}
		if _, err := LookupCodec(compression); err != nil {
			return Encoding{}, err
		}
		enc.Compression = compression
	}
	return enc, nil
}

// DecodeConfig is the inverse of Config.AsMap.
func DecodeConfig(m map[string]any, reg *EncodingRegistry) (Config, error) {
	encMap, ok := m["encoding"].(map[string]any)
	if !ok {
		return Config{}, errors.WrapInvalid(
			fmt.Errorf("%w: encoding must be an object", errors.ErrInvalidConfig),
			"batch", "DecodeConfig", "read encoding")
	}
	enc, err := DecodeEncoding(encMap, reg)
	if err != nil {
		return Config{}, err
	}

	storageMap, ok := m["storage"].(map[string]any)
	if !ok {
		return Config{}, errors.WrapInvalid(
			fmt.Errorf("%w: storage must be an object", errors.ErrInvalidConfig),
			"batch", "DecodeConfig", "read storage")
	}
	target, err := storage.TargetFromMap(storageMap)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{Encoding: enc, Storage: target}
	if raw, ok := m["batch_size"]; ok && raw != nil {
		size, err := toBatchSize(raw)
		if err != nil {
			return Config{}, errors.WrapInvalid(
				fmt.Errorf("%w: batch_size: %w", errors.ErrInvalidConfig, err),
				"batch", "DecodeConfig", "read batch size")
		}
		cfg.BatchSize = size
	}
	return cfg, nil
}

func toBatchSize(v any) (int, error) {
	var n int64
	switch x := v.(type) {
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, err
		}
		n = i
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		n = int64(x)
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = rv.Int()
		default:
			return 0, fmt.Errorf("not an integer: %T", v)
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return int(n), nil
}
