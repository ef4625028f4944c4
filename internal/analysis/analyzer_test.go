package analysis

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeBasic(t *testing.T) {
	a := New()
	tokens := a.Analyze("The red Car, the RED bicycle!")

	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	assert.Equal(t, []string{"the", "red", "car", "the", "red", "bicycle"}, terms)

	// Positions are consecutive.
	for i, tok := range tokens {
		assert.Equal(t, uint32(i), tok.Position)
	}
}

func TestAnalyzeStopWords(t *testing.T) {
	a := New(WithStopWords([]string{"the", "a"}))
	tokens := a.Analyze("the red car")
	require.Len(t, tokens, 2)
	assert.Equal(t, "red", tokens[0].Term)
	assert.Equal(t, uint32(0), tokens[0].Position)
	assert.Equal(t, "car", tokens[1].Term)
	assert.Equal(t, uint32(1), tokens[1].Position)
}

func TestAnalyzeMinTokenLength(t *testing.T) {
	a := New(WithMinTokenLength(3))
	tokens := a.Analyze("go is a fine language")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	assert.Equal(t, []string{"fine", "language"}, terms)
}

func TestAnalyzeIdentifierSplitting(t *testing.T) {
	a := New(WithIdentifierSplitting())
	tokens := a.Analyze("parseHTTPRequest snake_case_id")
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	assert.Equal(t, []string{"parse", "http", "request", "snake", "case", "id"}, terms)
}

func TestAnalyzeEmpty(t *testing.T) {
	a := New()
	assert.Empty(t, a.Analyze(""))
	assert.Empty(t, a.Analyze("   ,,, !!!"))
}

func TestNormalizeTerm(t *testing.T) {
	a := New()
	assert.Equal(t, "red", a.NormalizeTerm("  Red "))
}

func TestEncodeNumericOrdering(t *testing.T) {
	values := []float64{-1000.5, -1, -0.25, 0, 0.25, 1, 2, 1000.5}
	encoded := make([]string, len(values))
	for i, v := range values {
		encoded[i] = EncodeNumeric(v)
	}

	sorted := append([]string(nil), encoded...)
	sort.Strings(sorted)
	assert.Equal(t, encoded, sorted, "lexicographic order must match numeric order")
}

func TestEncodeNumericRoundTrip(t *testing.T) {
	for _, v := range []float64{-3.75, 0, 42, 1e17, -1e-9} {
		got, ok := DecodeNumeric(EncodeNumeric(v))
		require.True(t, ok)
		assert.Equal(t, v, got)
	}

	_, ok := DecodeNumeric("not-hex")
	assert.False(t, ok)
}
