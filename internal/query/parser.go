package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	ferrors "github.com/fathom-search/fathom/internal/errors"
)

// Parse turns a query string into a boolean query tree. Grammar:
//
//	clause  := [+|-] [field:] value
//	value   := term | term* | [lo TO hi] | {lo TO hi}
//
// A leading + makes the clause MUST, a leading - makes it MUST_NOT,
// otherwise it is SHOULD. A trailing * makes a prefix query. Square
// brackets give an inclusive numeric range, curly braces an exclusive
// one; * as a bound leaves that side open.
func Parse(defaultField, input string) (Query, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, ferrors.QuerySyntax("empty query")
	}
	if strings.ContainsAny(raw, `"'`) {
		return nil, ferrors.QuerySyntax("quoted phrases are not supported")
	}

	parts, err := splitClauses(raw)
	if err != nil {
		return nil, err
	}

	b := &Boolean{}
	for _, part := range parts {
		clause, err := parseClause(defaultField, part)
		if err != nil {
			return nil, err
		}
		b.Clauses = append(b.Clauses, clause)
	}
	return b, nil
}

// splitClauses splits on whitespace but keeps bracketed ranges intact.
func splitClauses(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[' || r == '{':
			depth++
			cur.WriteRune(r)
		case r == ']' || r == '}':
			depth--
			if depth < 0 {
				return nil, ferrors.QuerySyntax("unbalanced brackets in query")
			}
			cur.WriteRune(r)
		case unicode.IsSpace(r) && depth == 0:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, ferrors.QuerySyntax("unbalanced brackets in query")
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts, nil
}

func parseClause(defaultField, part string) (Clause, error) {
	occur := Should
	switch part[0] {
	case '+':
		occur = Must
		part = part[1:]
	case '-':
		occur = MustNot
		part = part[1:]
	}
	if part == "" {
		return Clause{}, ferrors.QuerySyntax("clause with no value")
	}

	field := defaultField
	if i := strings.IndexByte(part, ':'); i >= 0 {
		if i == 0 {
			return Clause{}, ferrors.QuerySyntax("clause with empty field name")
		}
		field = part[:i]
		part = part[i+1:]
		if part == "" {
			return Clause{}, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "field %q has no value", field)
		}
	}

	q, err := parseValue(field, part)
	if err != nil {
		return Clause{}, err
	}
	return Clause{Query: q, Occur: occur}, nil
}

func parseValue(field, value string) (Query, error) {
	if value[0] == '[' || value[0] == '{' {
		return parseRange(field, value)
	}
	if strings.HasSuffix(value, "*") {
		prefix := strings.TrimSuffix(value, "*")
		if prefix == "" {
			return nil, ferrors.QuerySyntax("prefix query needs a non-empty prefix")
		}
		if strings.Contains(prefix, "*") {
			return nil, ferrors.QuerySyntax("wildcard only allowed at end of term")
		}
		return &Prefix{Field: field, Value: prefix}, nil
	}
	if strings.Contains(value, "*") {
		return nil, ferrors.QuerySyntax("wildcard only allowed at end of term")
	}
	return &Term{Field: field, Value: value}, nil
}

func parseRange(field, value string) (Query, error) {
	includeLo := value[0] == '['
	last := value[len(value)-1]
	if last != ']' && last != '}' {
		return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "malformed range %q", value)
	}
	includeHi := last == ']'

	inner := strings.TrimSpace(value[1 : len(value)-1])
	bounds := strings.Split(inner, " TO ")
	if len(bounds) != 2 {
		return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "range %q must use the form [lo TO hi]", value)
	}

	r := &Range{Field: field, IncludeLo: includeLo, IncludeHi: includeHi}
	lo := strings.TrimSpace(bounds[0])
	hi := strings.TrimSpace(bounds[1])
	if lo != "*" {
		v, err := strconv.ParseFloat(lo, 64)
		if err != nil {
			return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "range bound %q is not numeric", lo)
		}
		r.Lo = &v
	}
	if hi != "*" {
		v, err := strconv.ParseFloat(hi, 64)
		if err != nil {
			return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "range bound %q is not numeric", hi)
		}
		r.Hi = &v
	}
	if r.Lo != nil && r.Hi != nil && *r.Lo > *r.Hi {
		return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "range %s has lower bound above upper bound", fmt.Sprintf("[%v TO %v]", *r.Lo, *r.Hi))
	}
	return r, nil
}
