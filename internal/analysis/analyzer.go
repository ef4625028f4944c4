// Package analysis provides tokenization and term normalization for text
// fields, plus the order-preserving encoding used for numeric terms.
package analysis

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"regexp"
	"strings"
	"unicode"
)

// tokenRegex matches alphanumeric runs (underscores kept for the initial
// split so identifiers can be broken up afterwards).
var tokenRegex = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// Token is a normalized term with its position in the token stream.
type Token struct {
	Term     string
	Position uint32
}

// Analyzer converts text field values into token streams. It is immutable
// after construction and safe for concurrent use.
type Analyzer struct {
	stopWords        map[string]struct{}
	minTokenLength   int
	splitIdentifiers bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithStopWords sets the stop word list.
func WithStopWords(words []string) Option {
	return func(a *Analyzer) {
		a.stopWords = buildStopWordMap(words)
	}
}

// WithMinTokenLength sets the minimum indexed token length.
func WithMinTokenLength(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.minTokenLength = n
		}
	}
}

// WithIdentifierSplitting enables camelCase and snake_case splitting.
func WithIdentifierSplitting() Option {
	return func(a *Analyzer) {
		a.splitIdentifiers = true
	}
}

// New creates an analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{minTokenLength: 1}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze tokenizes text into lowercase terms with positions.
// Positions are assigned after stop word removal and count surviving
// tokens only.
func (a *Analyzer) Analyze(text string) []Token {
	words := tokenRegex.FindAllString(text, -1)

	var tokens []Token
	var pos uint32
	for _, word := range words {
		parts := []string{word}
		if a.splitIdentifiers {
			parts = splitIdentifier(word)
		}
		for _, p := range parts {
			term := strings.ToLower(p)
			if len(term) < a.minTokenLength {
				continue
			}
			if _, stop := a.stopWords[term]; stop {
				continue
			}
			tokens = append(tokens, Token{Term: term, Position: pos})
			pos++
		}
	}
	return tokens
}

// NormalizeTerm applies the same normalization a single query term
// receives, so query terms and indexed terms agree.
func (a *Analyzer) NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// splitIdentifier splits snake_case and camelCase identifiers.
func splitIdentifier(token string) []string {
	if strings.Contains(token, "_") {
		var result []string
		for _, part := range strings.Split(token, "_") {
			if part != "" {
				result = append(result, splitCamelCase(part)...)
			}
		}
		return result
	}
	return splitCamelCase(token)
}

// splitCamelCase splits camelCase and PascalCase identifiers, keeping
// acronym runs together ("parseHTTPRequest" -> parse, HTTP, Request).
func splitCamelCase(s string) []string {
	if s == "" {
		return nil
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// buildStopWordMap converts a stop word slice to a lookup map.
func buildStopWordMap(words []string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// EncodeNumeric encodes a float64 as a fixed-width hex term whose
// lexicographic order matches numeric order. Negative numbers have all
// bits flipped, non-negative numbers have the sign bit set, the classic
// sortable-double transform.
func EncodeNumeric(v float64) string {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return hex.EncodeToString(buf[:])
}

// DecodeNumeric reverses EncodeNumeric.
func DecodeNumeric(term string) (float64, bool) {
	raw, err := hex.DecodeString(term)
	if err != nil || len(raw) != 8 {
		return 0, false
	}
	bits := binary.BigEndian.Uint64(raw)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), true
}
