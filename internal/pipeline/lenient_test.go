package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLenientJSONStrict(t *testing.T) {
	v, err := decodeLenientJSON(`{"a": 1, "b": "two"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": "two"}, v)
}

func TestDecodeLenientJSONSingleQuotes(t *testing.T) {
	v, err := decodeLenientJSON(`{'path': 'src/main.go', 'note': "it's fine"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "src/main.go", "note": "it's fine"}, v)
}

func TestDecodeLenientJSONUnquotedKeys(t *testing.T) {
	v, err := decodeLenientJSON(`{query: "hello", limit: 5}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "hello", "limit": float64(5)}, v)
}

func TestDecodeLenientJSONTrailingCommas(t *testing.T) {
	v, err := decodeLenientJSON(`{"items": [1, 2, 3,], "done": true,}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{float64(1), float64(2), float64(3)}, "done": true}, v)
}

func TestDecodeLenientJSONKeywordsSurvive(t *testing.T) {
	v, err := decodeLenientJSON(`{flag: true, missing: null}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"flag": true, "missing": nil}, v)
}

func TestDecodeLenientJSONQuoteInsideSingleQuoted(t *testing.T) {
	v, err := decodeLenientJSON(`{'text': 'say "hi"'}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": `say "hi"`}, v)
}

func TestDecodeLenientJSONUnparseable(t *testing.T) {
	_, err := decodeLenientJSON(`{"a": }`)
	assert.Error(t, err)
}
