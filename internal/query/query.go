// Package query implements the search side of the index: the query
// tree, BM25 ranking, boolean evaluation over posting lists, KNN, and
// hybrid lexical+vector fusion.
package query

import "fmt"

// Occur says how a boolean clause participates in matching.
type Occur int

const (
	// Must requires the clause to match.
	Must Occur = iota
	// Should contributes to the score when it matches. If a boolean
	// query has no Must clauses, at least one Should must match.
	Should
	// MustNot excludes every document the clause matches.
	MustNot
)

func (o Occur) String() string {
	switch o {
	case Must:
		return "MUST"
	case Should:
		return "SHOULD"
	case MustNot:
		return "MUST_NOT"
	default:
		return fmt.Sprintf("Occur(%d)", int(o))
	}
}

// Query is a node in the query tree.
type Query interface {
	isQuery()
}

// Term matches documents containing an exact normalized term in a field,
// scored with BM25.
type Term struct {
	Field string
	Value string
	Boost float64
}

// Prefix matches documents containing any term with the given prefix.
// Matches score a constant, like a filter.
type Prefix struct {
	Field string
	Value string
	Boost float64
}

// Range matches numeric field values between Lo and Hi. A nil bound is
// open. Matches score a constant.
type Range struct {
	Field     string
	Lo        *float64
	Hi        *float64
	IncludeLo bool
	IncludeHi bool
	Boost     float64
}

// Clause pairs a subquery with its occurrence requirement.
type Clause struct {
	Query Query
	Occur Occur
}

// Boolean combines clauses with MUST/SHOULD/MUST_NOT semantics. The
// score of a match is the sum of its matching children's scores.
type Boolean struct {
	Clauses []Clause
}

// VectorKNN matches the K documents whose vectors are most similar to
// Vector, scored by similarity.
type VectorKNN struct {
	Field  string
	Vector []float32
	K      int
}

func (*Term) isQuery()      {}
func (*Prefix) isQuery()    {}
func (*Range) isQuery()     {}
func (*Boolean) isQuery()   {}
func (*VectorKNN) isQuery() {}

// SignificantTerms collects the distinct term values from Must and
// Should leaf clauses, in first-appearance order. This is the text that
// gets embedded for hybrid search.
func SignificantTerms(q Query) []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(q Query, excluded bool)
	walk = func(q Query, excluded bool) {
		if excluded {
			return
		}
		switch t := q.(type) {
		case *Term:
			if _, ok := seen[t.Value]; !ok {
				seen[t.Value] = struct{}{}
				out = append(out, t.Value)
			}
		case *Prefix:
			if _, ok := seen[t.Value]; !ok {
				seen[t.Value] = struct{}{}
				out = append(out, t.Value)
			}
		case *Boolean:
			for _, c := range t.Clauses {
				walk(c.Query, c.Occur == MustNot)
			}
		}
	}
	walk(q, false)
	return out
}
