// ABOUTME: Order-preserving key encoding shared by every engine driver
// ABOUTME: Integers sort before strings; both compare bytewise once encoded

package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	tagInt    byte = 0x10
	tagString byte = 0x20
)

// NormalizeKey converts a caller-supplied key into its canonical form: int64 for
// any integer kind or integral float, string for strings.
func NormalizeKey(k any) (any, error) {
	switch v := k.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		if uint64(v) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidKey, v)
		}
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrInvalidKey, v)
		}
		return int64(v), nil
	case float32:
		return normalizeFloat(float64(v))
	case float64:
		return normalizeFloat(v)
	case string:
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrInvalidKey)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidKey, k)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= 1<<63 {
		return nil, fmt.Errorf("%w: %v is not an integer", ErrInvalidKey, f)
	}
	return int64(f), nil
}

// EncodeKey normalizes k and encodes it.
func EncodeKey(k any) ([]byte, error) {
	n, err := NormalizeKey(k)
	if err != nil {
		return nil, err
	}
	switch v := n.(type) {
	case int64:
		return EncodeInt(v), nil
	default:
		s, _ := v.(string)
		out := make([]byte, 1+len(s))
		out[0] = tagString
		copy(out[1:], s)
		return out, nil
	}
}

// EncodeInt encodes an integer key.
func EncodeInt(v int64) []byte {
	out := make([]byte, 9)
	out[0] = tagInt
	binary.BigEndian.PutUint64(out[1:], uint64(v)^(1<<63))
	return out
}

// DecodeKey reverses EncodeKey.
func DecodeKey(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty encoding", ErrInvalidKey)
	}
	switch b[0] {
	case tagInt:
		if len(b) != 9 {
			return nil, fmt.Errorf("%w: bad integer encoding", ErrInvalidKey)
		}
		return int64(binary.BigEndian.Uint64(b[1:]) ^ (1 << 63)), nil
	case tagString:
		return string(b[1:]), nil
	default:
		return nil, fmt.Errorf("%w: unknown tag %#x", ErrInvalidKey, b[0])
	}
}

// KeyInt returns the integer held by an encoded key, if it is one.
func KeyInt(b []byte) (int64, bool) {
	if len(b) != 9 || b[0] != tagInt {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b[1:]) ^ (1 << 63)), true
}

// NextGeneratorValue returns the generator value after key is stored under an
// autoincrement container whose generator currently holds current.
func NextGeneratorValue(current int64, key []byte) int64 {
	if n, ok := KeyInt(key); ok && n >= current {
		if n == math.MaxInt64 {
			return n
		}
		return n + 1
	}
	return current
}

// Range bounds a scan over encoded keys. A nil bound is unbounded.
type Range struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
}

// All is the unbounded range.
var All = Range{}

// Only returns the range holding exactly key.
func Only(key []byte) Range {
	return Range{Lower: key, Upper: key}
}

// Contains reports whether key falls within r.
func (r Range) Contains(key []byte) bool {
	if r.Lower != nil {
		c := bytes.Compare(key, r.Lower)
		if c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		c := bytes.Compare(key, r.Upper)
		if c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Above reports whether key sorts past the upper bound of r, meaning a forward
// scan can stop.
func (r Range) Above(key []byte) bool {
	if r.Upper == nil {
		return false
	}
	c := bytes.Compare(key, r.Upper)
	return c > 0 || (c == 0 && r.UpperOpen)
}

// Start returns the first key a forward scan of r positioned after after should
// seek to, and whether keys equal to it must be skipped.
func (r Range) Start(after []byte) (seek []byte, skipEqual bool) {
	if after != nil && (r.Lower == nil || bytes.Compare(after, r.Lower) >= 0) {
		return after, true
	}
	return r.Lower, r.LowerOpen
}
