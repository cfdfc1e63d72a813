package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSortsKeysAndCompacts(t *testing.T) {
	out, err := Canonicalize(map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"b": 2, "a": 1},
		"mid":   []any{true, nil, "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"mid":[true,null,"x"],"zeta":1}`, string(out))
}

func TestCanonicalizeKeyOrderInsensitive(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{"b":1,"a":{"d":4,"c":3}}`))
	require.NoError(t, err)
	b, err := Canonicalize(json.RawMessage(`{"a":{"c":3,"d":4},"b":1}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalizeRoundTrips(t *testing.T) {
	src := map[string]any{
		"nested": map[string]any{"list": []any{1.5, "two", false}},
		"text":   "line1\nline2\ttab",
	}
	out, err := Canonicalize(src)
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "line1\nline2\ttab", back["text"])
	nested := back["nested"].(map[string]any)
	assert.Equal(t, []any{1.5, "two", false}, nested["list"])
}

func TestCanonicalizeNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"integer", `{"n":42}`, `{"n":42}`},
		{"negative integer", `{"n":-7}`, `{"n":-7}`},
		{"millisecond timestamp", `{"n":1756063455123}`, `{"n":1756063455123}`},
		{"plain float", `{"n":1.5}`, `{"n":1.5}`},
		{"negative zero", `{"n":-0.0}`, `{"n":0}`},
		{"small magnitude keeps plain form", `{"n":0.000001}`, `{"n":0.000001}`},
		{"tiny magnitude uses exponent", `{"n":1e-7}`, `{"n":1e-7}`},
		{"huge magnitude uses exponent", `{"n":1e21}`, `{"n":1e+21}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(json.RawMessage(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestCanonicalizeStringEscapes(t *testing.T) {
	out, err := Canonicalize(map[string]any{"s": "quote\" slash\\ ctrl unicodeé"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"quote\" slash\\ ctrl unicodeé"}`, string(out))
}

func TestCanonicalizeEnvelopeIsStable(t *testing.T) {
	m := New(TypeAssistant, RoleAssistant, WithText("Hi"),
		WithMetadataField("model", "some-model"))

	first, err := m.Canonical()
	require.NoError(t, err)
	second, err := m.Canonical()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var back map[string]any
	require.NoError(t, json.Unmarshal(first, &back))
	assert.Equal(t, m.ID, back["id"])
	assert.Equal(t, "assistant", back["type"])
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	_, err := Canonicalize(map[string]any{"n": json.Number("1e999")})
	require.Error(t, err)
}
