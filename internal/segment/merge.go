package segment

import (
	"errors"
	"fmt"
)

// ErrNoLiveDocs is returned by Merge when every source document is dead.
// The caller should drop the sources instead of writing a replacement.
var ErrNoLiveDocs = errors.New("no live documents to merge")

// Merge rewrites the live documents of segs into one new segment under
// parentDir. Dead documents are skipped and surviving documents are
// densely renumbered in source order, so the output carries no
// tombstones. Sources are not modified; retiring them is the caller's
// job.
func Merge(parentDir string, id uint64, segs []*Segment) (string, error) {
	type termKey struct {
		field string
		term  string
	}

	vectorDims := 0
	for _, s := range segs {
		if s.Meta.VectorDims > 0 {
			vectorDims = s.Meta.VectorDims
			break
		}
	}

	var docs []DocData
	merged := make(map[termKey][]Posting)

	for _, s := range segs {
		if vectorDims > 0 && s.Meta.VectorDims > 0 && s.Meta.VectorDims != vectorDims {
			return "", fmt.Errorf("segment %s has %d vector dimensions, expected %d",
				s.Dir, s.Meta.VectorDims, vectorDims)
		}

		live := s.Live().Bitmap
		remap := make(map[uint32]uint32, live.GetCardinality())

		it := live.Iterator()
		for it.HasNext() {
			old := it.Next()
			stored, err := s.StoredFields(old)
			if err != nil {
				return "", err
			}
			var vec []float32
			if s.vectors != nil {
				vec = s.vectors.Vector(old)
			}
			remap[old] = uint32(len(docs))
			docs = append(docs, DocData{
				Key:    s.Key(old),
				Stored: stored,
				Length: s.DocLength(old),
				Vector: vec,
			})
		}

		// Postings keep ascending doc ids because each segment's
		// remapped ids start past the previous segment's.
		for _, e := range s.AllTerms() {
			postings, err := s.PostingsFor(e)
			if err != nil {
				return "", err
			}
			kept := make([]Posting, 0, len(postings))
			for _, p := range postings {
				newID, ok := remap[p.DocID]
				if !ok {
					continue
				}
				p.DocID = newID
				kept = append(kept, p)
			}
			if len(kept) > 0 {
				k := termKey{e.Field, e.Term}
				merged[k] = append(merged[k], kept...)
			}
		}
	}

	if len(docs) == 0 {
		return "", ErrNoLiveDocs
	}

	terms := make([]TermPostings, 0, len(merged))
	for k, ps := range merged {
		terms = append(terms, TermPostings{Field: k.field, Term: k.term, Postings: ps})
	}

	return Write(parentDir, id, &Build{
		Docs:       docs,
		Terms:      terms,
		VectorDims: vectorDims,
	})
}
