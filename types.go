package minisocial

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"strconv"
)

const (
	FieldID        = "id"
	FieldTimestamp = "timestamp"
)

// Record is a single persisted document. ID and Timestamp are lifted out of
// the field map; on the wire all three are flattened into one JSON object.
type Record struct {
	ID        string
	Timestamp int64
	Fields    map[string]any
}

// NewRecord builds a record from a flat field map, lifting id and timestamp.
func NewRecord(fields map[string]any) Record {
	rec := Record{Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		switch k {
		case FieldID:
			if s, ok := v.(string); ok {
				rec.ID = s
			}
		case FieldTimestamp:
			if ts, ok := toInt64(v); ok {
				rec.Timestamp = ts
			}
		default:
			rec.Fields[k] = v
		}
	}
	return rec
}

// Clone returns a copy whose field map can be mutated independently.
// Nested maps are shared.
func (r Record) Clone() Record {
	return Record{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Fields:    maps.Clone(r.Fields),
	}
}

// Flatten returns the wire representation.
func (r Record) Flatten() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	maps.Copy(out, r.Fields)
	out[FieldID] = r.ID
	out[FieldTimestamp] = r.Timestamp
	return out
}

func (r Record) Get(name string) (any, bool) {
	switch name {
	case FieldID:
		return r.ID, true
	case FieldTimestamp:
		return r.Timestamp, true
	}
	v, ok := r.Fields[name]
	return v, ok
}

func (r Record) String(name string) string {
	v, _ := r.Get(name)
	s, _ := v.(string)
	return s
}

func (r Record) Int64(name string) int64 {
	v, _ := r.Get(name)
	i, _ := toInt64(v)
	return i
}

func (r Record) Bool(name string) bool {
	v, _ := r.Get(name)
	b, _ := v.(bool)
	return b
}

func (r Record) Map(name string) map[string]any {
	v, _ := r.Get(name)
	m, _ := v.(map[string]any)
	return m
}

// Merge applies a partial update and returns the result. A nil value
// removes the field; id cannot be changed.
func (r Record) Merge(fields map[string]any) Record {
	flat := r.Flatten()
	for k, v := range fields {
		if v == nil {
			delete(flat, k)
			continue
		}
		flat[k] = v
	}
	flat[FieldID] = r.ID
	return NewRecord(flat)
}

// Matches reports whether every field in want holds the given value.
// A nil want value matches an absent field.
func (r Record) Matches(want map[string]any) bool {
	for k, v := range want {
		got, ok := r.Get(k)
		if v == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !ValuesEqual(got, v) {
			return false
		}
	}
	return true
}

// ValuesEqual compares decoded field values, treating numbers of different
// Go types as equal when they hold the same value.
func ValuesEqual(a, b any) bool {
	if ai, ok := toInt64(a); ok && isNumber(a) {
		if bi, ok := toInt64(b); ok && isNumber(b) {
			return ai == bi
		}
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Flatten())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return err
	}
	if raw, ok := fields[FieldTimestamp]; ok {
		if _, ok := toInt64(raw); !ok {
			return fmt.Errorf("invalid timestamp %v", raw)
		}
	}
	*r = NewRecord(normalizeNumbers(fields).(map[string]any))
	return nil
}

// normalizeNumbers turns json.Number values into int64 where they are
// integral and float64 otherwise.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, inner := range t {
			t[k] = normalizeNumbers(inner)
		}
		return t
	case []any:
		for i, inner := range t {
			t[i] = normalizeNumbers(inner)
		}
		return t
	default:
		return v
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if t != math.Trunc(t) || t < math.MinInt64 || t >= math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(t, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func isNumber(v any) bool {
	_, ok := toFloat64(v)
	return ok
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
