// Package index ties segments together into a durable index: a write
// path with an in-memory buffer, flushes, commits, tombstones and
// merges, and a read path built on point-in-time snapshots.
package index

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fathom-search/fathom/internal/analysis"
	"github.com/fathom-search/fathom/internal/document"
	"github.com/fathom-search/fathom/internal/segment"
)

type termKey struct {
	field string
	term  string
}

// memBuffer accumulates analyzed documents between flushes. Analysis
// happens on add, so a flush only has to assemble postings lists that
// are already in doc-id order.
type memBuffer struct {
	docs  []segment.DocData
	terms map[termKey][]segment.Posting
	byKey map[string]uint32
	dead  *roaring.Bitmap
	bytes int64
}

func newMemBuffer() *memBuffer {
	return &memBuffer{
		terms: make(map[termKey][]segment.Posting),
		byKey: make(map[string]uint32),
		dead:  roaring.New(),
	}
}

// add analyzes doc and appends it. A document with a key already in the
// buffer shadows the earlier one.
func (b *memBuffer) add(doc *document.Document, analyzer *analysis.Analyzer) {
	if prev, ok := b.byKey[doc.Key]; ok {
		b.dead.Add(prev)
	}

	docID := uint32(len(b.docs))
	data := segment.DocData{Key: doc.Key}
	b.bytes += int64(len(doc.Key)) + 64

	seen := make(map[termKey]*segment.Posting)
	addOccurrence := func(field, term string, position uint32, positional bool) {
		k := termKey{field, term}
		if p, ok := seen[k]; ok {
			p.Freq++
			if positional {
				p.Positions = append(p.Positions, position)
			}
			return
		}
		posting := segment.Posting{DocID: docID, Freq: 1}
		if positional {
			posting.Positions = []uint32{position}
		}
		b.terms[k] = append(b.terms[k], posting)
		seen[k] = &b.terms[k][len(b.terms[k])-1]
		b.bytes += int64(len(field) + len(term) + 16)
	}

	for _, f := range doc.Fields {
		switch f.Kind {
		case document.KindText:
			tokens := analyzer.Analyze(f.Text)
			for _, tok := range tokens {
				addOccurrence(f.Name, tok.Term, tok.Position, true)
			}
			data.Length += uint32(len(tokens))
			data.Stored = append(data.Stored, document.StoredField{Name: f.Name, Kind: f.Kind, Text: f.Text})
			b.bytes += int64(len(f.Text))
		case document.KindKeyword:
			addOccurrence(f.Name, analyzer.NormalizeTerm(f.Text), 0, false)
			data.Stored = append(data.Stored, document.StoredField{Name: f.Name, Kind: f.Kind, Text: f.Text})
			b.bytes += int64(len(f.Text))
		case document.KindNumeric:
			addOccurrence(f.Name, analysis.EncodeNumeric(f.Number), 0, false)
			data.Stored = append(data.Stored, document.StoredField{Name: f.Name, Kind: f.Kind, Number: f.Number})
			b.bytes += 24
		case document.KindStored:
			data.Stored = append(data.Stored, document.StoredField{Name: f.Name, Kind: f.Kind, Text: f.Text})
			b.bytes += int64(len(f.Text))
		case document.KindVector:
			data.Vector = f.Vector
			b.bytes += int64(len(f.Vector) * 4)
		}
	}

	b.docs = append(b.docs, data)
	b.byKey[doc.Key] = docID
}

// delete marks any buffered document with one of the keys dead. Returns
// how many buffered documents it killed.
func (b *memBuffer) delete(keys []string) int {
	n := 0
	for _, key := range keys {
		if docID, ok := b.byKey[key]; ok {
			if b.dead.CheckedAdd(docID) {
				n++
			}
			delete(b.byKey, key)
		}
	}
	return n
}

func (b *memBuffer) numDocs() int { return len(b.docs) }

func (b *memBuffer) numLive() int { return len(b.docs) - int(b.dead.GetCardinality()) }

func (b *memBuffer) estimatedBytes() int64 { return b.bytes }

func (b *memBuffer) empty() bool { return b.numLive() == 0 }

// build converts the buffer into segment builder input. Shadowed and
// deleted documents stay in the doc table but start out dead in the
// live bitmap, so they are invisible and removed at the next merge.
func (b *memBuffer) build(vectorDims int) *segment.Build {
	live := roaring.New()
	live.AddRange(0, uint64(len(b.docs)))
	live.AndNot(b.dead)

	terms := make([]segment.TermPostings, 0, len(b.terms))
	for k, postings := range b.terms {
		terms = append(terms, segment.TermPostings{Field: k.field, Term: k.term, Postings: postings})
	}

	dims := 0
	if vectorDims > 0 {
		for _, d := range b.docs {
			if d.Vector != nil {
				dims = vectorDims
				break
			}
		}
	}

	return &segment.Build{Docs: b.docs, Terms: terms, Live: live, VectorDims: dims}
}
