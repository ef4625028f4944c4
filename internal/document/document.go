// Package document defines the field-based document model accepted by the
// index writer. Field kinds form a closed set, validated at ingestion time;
// kind mismatches are rejected as malformed documents rather than indexed
// with a guessed interpretation.
package document

import (
	"fmt"
	"math"

	"github.com/fathom-search/fathom/internal/errors"
)

// Kind identifies how a field value is indexed.
type Kind uint8

const (
	// KindKeyword is an exact-match, untokenized string field.
	KindKeyword Kind = iota + 1
	// KindText is a tokenized string field with recorded positions.
	KindText
	// KindNumeric is an ordered, range-queryable float64 field.
	KindNumeric
	// KindStored is stored verbatim and not searchable.
	KindStored
	// KindVector is a fixed-length float32 sequence for KNN search.
	KindVector
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindKeyword:
		return "keyword"
	case KindText:
		return "text"
	case KindNumeric:
		return "numeric"
	case KindStored:
		return "stored"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field is a single (name, kind, value) triple. Exactly one of the value
// slots is meaningful for a given kind.
type Field struct {
	Name   string
	Kind   Kind
	Text   string    // keyword, text, stored
	Number float64   // numeric
	Vector []float32 // vector
}

// Keyword builds an exact-match field.
func Keyword(name, value string) Field {
	return Field{Name: name, Kind: KindKeyword, Text: value}
}

// Text builds a tokenized field.
func Text(name, value string) Field {
	return Field{Name: name, Kind: KindText, Text: value}
}

// Numeric builds a range-queryable field.
func Numeric(name string, value float64) Field {
	return Field{Name: name, Kind: KindNumeric, Number: value}
}

// Stored builds a stored-only field.
func Stored(name, value string) Field {
	return Field{Name: name, Kind: KindStored, Text: value}
}

// Vector builds a KNN-searchable field.
func Vector(name string, value []float32) Field {
	return Field{Name: name, Kind: KindVector, Vector: value}
}

// Document is an ordered sequence of fields with an externally assigned
// key used for update and delete. The internal document id is assigned by
// the writer and is not stable across merges.
type Document struct {
	Key    string
	Fields []Field
}

// New creates a document with the given key and fields.
func New(key string, fields ...Field) *Document {
	return &Document{Key: key, Fields: fields}
}

// Add appends a field and returns the document for chaining.
func (d *Document) Add(f Field) *Document {
	d.Fields = append(d.Fields, f)
	return d
}

// Get returns the first field with the given name.
func (d *Document) Get(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks the document against its declared field kinds.
// vectorDims is the index's configured vector length; 0 means vector
// fields are rejected entirely.
func (d *Document) Validate(vectorDims int) error {
	if d.Key == "" {
		return errors.MalformedDocument("document key must not be empty")
	}
	for _, f := range d.Fields {
		if f.Name == "" {
			return errors.MalformedDocument("field name must not be empty").
				WithDetail("key", d.Key)
		}
		switch f.Kind {
		case KindKeyword, KindText, KindStored:
			// Any string value, including empty, is acceptable.
		case KindNumeric:
			if math.IsNaN(f.Number) || math.IsInf(f.Number, 0) {
				return errors.MalformedDocument("numeric field must be finite").
					WithDetail("key", d.Key).WithDetail("field", f.Name)
			}
		case KindVector:
			if vectorDims == 0 {
				return errors.MalformedDocument("index has no vector dimensions configured").
					WithDetail("key", d.Key).WithDetail("field", f.Name)
			}
			if len(f.Vector) != vectorDims {
				return errors.MalformedDocument(
					fmt.Sprintf("vector field has %d dimensions, index expects %d", len(f.Vector), vectorDims)).
					WithDetail("key", d.Key).WithDetail("field", f.Name)
			}
		default:
			return errors.MalformedDocument(fmt.Sprintf("unknown field kind %d", f.Kind)).
				WithDetail("key", d.Key).WithDetail("field", f.Name)
		}
	}
	return nil
}

// StoredField is the persisted form of a field value inside a segment.
type StoredField struct {
	Name   string
	Kind   Kind
	Text   string
	Number float64
}
