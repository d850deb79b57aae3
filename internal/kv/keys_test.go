// ABOUTME: Tests for key ranges, value encoding and ordered documents

package kv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyRange_Includes(t *testing.T) {
	tests := []struct {
		name string
		r    *KeyRange
		key  any
		want bool
	}{
		{"nil range holds everything", nil, "x", true},
		{"closed lower", LowerBound(3, false), 3, true},
		{"open lower", LowerBound(3, true), 3, false},
		{"closed upper", UpperBound(3, false), 3, true},
		{"open upper", UpperBound(3, true), 3, false},
		{"numbers before strings", UpperBound("a", false), 1000, true},
		{"strings after numbers", LowerBound(1000, false), "a", true},
		{"only", Only("k"), "k", true},
		{"only misses", Only("k"), "kk", false},
		{"negative ints order", Bound(-5, -1, false, false), -3, true},
		{"integral float", Only(2), 2.0, true},
		{"invalid key", nil, struct{}{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Includes(tt.key))
		})
	}
}

func TestKeyRange_EncodeRejectsBadBounds(t *testing.T) {
	var ve *ValidationError

	_, err := Bound("b", "a", false, false).encode("keys")
	assert.ErrorAs(t, err, &ve)

	_, err = Bound(1, 1, false, true).encode("keys")
	assert.ErrorAs(t, err, &ve)

	_, err = LowerBound([]int{1}, false).encode("keys")
	assert.ErrorAs(t, err, &ve)

	_, err = Only(1).encode("keys")
	assert.NoError(t, err)
}

func TestKeyRange_JSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(Bound(1, "z", true, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lower":1,"upper":"z","lowerOpen":true}`, string(raw))

	var back KeyRange
	require.NoError(t, json.Unmarshal(raw, &back))
	back.normalize()
	assert.Equal(t, KeyRange{Lower: int64(1), Upper: "z", LowerOpen: true}, back)
}

func TestDocument(t *testing.T) {
	doc := Document{
		{Key: int64(2), Value: "two"},
		{Key: int64(10), Value: []any{"ten"}},
		{Key: "a", Value: map[string]any{"x": 1.5}},
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"2":"two","10":["ten"],"a":{"x":1.5}}`, string(raw), "members keep key order")

	v, ok := doc.Get(10)
	assert.True(t, ok)
	assert.Equal(t, []any{"ten"}, v)
	_, ok = doc.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, map[string]any{
		"2":  "two",
		"10": []any{"ten"},
		"a":  map[string]any{"x": 1.5},
	}, doc.Map())

	raw, err = json.Marshal(Document{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))
}

func TestDocument_IntegerAndStringKeysShareAName(t *testing.T) {
	doc := Document{
		{Key: int64(1), Value: "int"},
		{Key: int64(2), Value: "two"},
		{Key: "1", Value: "string"},
	}

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.Equal(t, `{"2":"two","1":"string"}`, string(raw))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, doc.Map(), decoded)

	v, ok := doc.Get(1)
	require.True(t, ok)
	assert.Equal(t, "int", v, "Get still tells the keys apart")
	v, ok = doc.Get("1")
	require.True(t, ok)
	assert.Equal(t, "string", v)
}

func TestEncodeValue(t *testing.T) {
	var ve *ValidationError

	_, err := encodeValue("set", nil)
	assert.ErrorAs(t, err, &ve)

	b, err := encodeValue("set", map[string]int{"a": 1})
	require.NoError(t, err)
	v, err := decodeValue(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	v, err = decodeValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeValue([]byte("{"))
	assert.Error(t, err)
}
