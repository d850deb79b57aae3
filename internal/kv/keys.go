// ABOUTME: Public key ranges, JSON value encoding and the ordered Document result
// ABOUTME: Keys are integers or strings; values are anything encoding/json can round-trip

package kv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/2389/coven-kv/internal/engine"
)

// KeyRange bounds a scan. A nil bound is unbounded; a nil *KeyRange is the
// whole store.
type KeyRange struct {
	Lower     any  `json:"lower,omitempty"`
	Upper     any  `json:"upper,omitempty"`
	LowerOpen bool `json:"lowerOpen,omitempty"`
	UpperOpen bool `json:"upperOpen,omitempty"`
}

// Bound returns the range between lower and upper.
func Bound(lower, upper any, lowerOpen, upperOpen bool) *KeyRange {
	return &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
}

// LowerBound returns the range of keys at or above lower (above when open).
func LowerBound(lower any, open bool) *KeyRange {
	return &KeyRange{Lower: lower, LowerOpen: open}
}

// UpperBound returns the range of keys at or below upper (below when open).
func UpperBound(upper any, open bool) *KeyRange {
	return &KeyRange{Upper: upper, UpperOpen: open}
}

// Only returns the range holding exactly key.
func Only(key any) *KeyRange {
	return &KeyRange{Lower: key, Upper: key}
}

func (r *KeyRange) encode(op string) (engine.Range, error) {
	if r == nil {
		return engine.All, nil
	}
	var out engine.Range
	var err error
	if r.Lower != nil {
		if out.Lower, err = engine.EncodeKey(r.Lower); err != nil {
			return engine.Range{}, &ValidationError{Op: op, Err: err}
		}
		out.LowerOpen = r.LowerOpen
	}
	if r.Upper != nil {
		if out.Upper, err = engine.EncodeKey(r.Upper); err != nil {
			return engine.Range{}, &ValidationError{Op: op, Err: err}
		}
		out.UpperOpen = r.UpperOpen
	}
	if out.Lower != nil && out.Upper != nil {
		c := bytes.Compare(out.Lower, out.Upper)
		if c > 0 || (c == 0 && (out.LowerOpen || out.UpperOpen)) {
			return engine.Range{}, invalid(op, "empty key range %v..%v", r.Lower, r.Upper)
		}
	}
	return out, nil
}

// Includes reports whether key falls within r.
func (r *KeyRange) Includes(key any) bool {
	rng, err := r.encode("includes")
	if err != nil {
		return false
	}
	k, err := engine.EncodeKey(key)
	if err != nil {
		return false
	}
	return rng.Contains(k)
}

func (r *KeyRange) normalize() {
	if r == nil {
		return
	}
	if k, err := engine.NormalizeKey(r.Lower); err == nil {
		r.Lower = k
	}
	if k, err := engine.NormalizeKey(r.Upper); err == nil {
		r.Upper = k
	}
}

func encodeKey(op string, key any) ([]byte, error) {
	if key == nil {
		return nil, invalid(op, "key is required")
	}
	b, err := engine.EncodeKey(key)
	if err != nil {
		return nil, &ValidationError{Op: op, Err: err}
	}
	return b, nil
}

func encodeValue(op string, value any) ([]byte, error) {
	if value == nil {
		return nil, invalid(op, "value is required")
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, &ValidationError{Op: op, Err: fmt.Errorf("encoding value: %w", err)}
	}
	return b, nil
}

func decodeValue(b []byte) (any, error) {
	if b == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return v, nil
}

// Record is one key/value pair.
type Record struct {
	Key   any
	Value any
}

// Document is the result of JSON: records in ascending key order. It marshals
// to a JSON object whose members keep that order.
type Document []Record

// Get returns the value stored under key.
func (d Document) Get(key any) (any, bool) {
	k, err := engine.NormalizeKey(key)
	if err != nil {
		return nil, false
	}
	for _, r := range d {
		if r.Key == k {
			return r.Value, true
		}
	}
	return nil, false
}

// Map returns the document as a map keyed by the key's string form. An
// integer key and a string key with the same decimal form (1 and "1") share a
// map key; the later record in key order, always the string key, wins.
func (d Document) Map() map[string]any {
	out := make(map[string]any, len(d))
	for _, r := range d {
		out[keyString(r.Key)] = r.Value
	}
	return out
}

// MarshalJSON writes members in key order. Member names collide the same way
// Map keys do, and only the record Map keeps is written, so the object never
// repeats a name.
func (d Document) MarshalJSON() ([]byte, error) {
	last := make(map[string]int, len(d))
	for i, r := range d {
		last[keyString(r.Key)] = i
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i, r := range d {
		name := keyString(r.Key)
		if last[name] != i {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func keyString(k any) string {
	switch v := k.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
