// Package transform converts raw source rows into canonical record payloads.
package transform

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/c360/tapstream/errors"
	"github.com/c360/tapstream/message"
	"github.com/c360/tapstream/pkg/timestamp"
	"github.com/c360/tapstream/schema"
)

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the date part of t in its own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour, Minute, Second, Microsecond int
}

// Transform converts row into a canonical record against s. Field order is
// kept. A field the schema does not declare fails with ErrSchemaMismatch.
func Transform(row *message.Fields, s *schema.Schema) (*message.Fields, error) {
	out := message.NewFields()
	var failure error

	row.Range(func(name string, raw any) bool {
		prop, ok := s.Property(name)
		if !ok {
			failure = errors.WrapInvalid(
				fmt.Errorf("%w: field %q is not declared in the stream schema", errors.ErrSchemaMismatch, name),
				"transform", "Transform", "resolve property type")
			return false
		}
		out.Set(name, Value(raw, prop))
		return true
	})

	if failure != nil {
		return nil, failure
	}
	return out, nil
}

// Value coerces a single raw value given its declared property.
func Value(raw any, prop schema.Property) any {
	boolean := prop.HasType(schema.TypeBoolean)

	switch v := raw.(type) {
	case time.Time:
		return timestamp.FormatISO(v)
	case *time.Time:
		if v == nil {
			return nil
		}
		return timestamp.FormatISO(*v)
	case Date:
		return timestamp.FormatDate(v.Year, v.Month, v.Day)
	case time.Duration:
		return timestamp.FormatSinceEpoch(v)
	case TimeOfDay:
		return timestamp.FormatClock(v.Hour, v.Minute, v.Second, v.Microsecond)
	case json.RawMessage:
		return v
	case []byte:
		if boolean {
			return anyNonZeroByte(v)
		}
		return hex.EncodeToString(v)
	}

	if boolean {
		return toBool(raw)
	}
	return raw
}

// anyNonZeroByte treats a bit field as true unless every byte is zero.
func anyNonZeroByte(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return true
		}
	}
	return false
}

// toBool maps nil to nil, numeric or boolean zero to false and anything else
// to true.
func toBool(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case bool:
		return v
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case *big.Int:
		return v.Sign() != 0
	case *big.Float:
		return v.Sign() != 0
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return toBool(rv.Elem().Interface())
	default:
		return true
	}
}
