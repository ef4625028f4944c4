package query

import (
	"container/heap"
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fathom-search/fathom/internal/analysis"
	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/document"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/segment"
)

// Hit is one ranked search result.
type Hit struct {
	Key    string
	Score  float64
	Fields []document.StoredField
}

// Searcher evaluates queries against one snapshot. It holds no mutable
// state and is safe for concurrent use; the snapshot pins the segment
// set for the searcher's lifetime.
type Searcher struct {
	snap     *index.Snapshot
	cfg      *config.SearchConfig
	analyzer *analysis.Analyzer

	totalDocs uint64
	avgLen    float64
}

// NewSearcher builds a searcher over snap. The analyzer settings must
// match the ones used at indexing time or query terms will not line up
// with indexed terms.
func NewSearcher(snap *index.Snapshot, cfg *config.Config) *Searcher {
	opts := []analysis.Option{
		analysis.WithStopWords(cfg.Analysis.StopWords),
		analysis.WithMinTokenLength(cfg.Analysis.MinTokenLength),
	}
	if cfg.Analysis.SplitIdentifiers {
		opts = append(opts, analysis.WithIdentifierSplitting())
	}
	st := snap.Stats()
	return &Searcher{
		snap:      snap,
		cfg:       &cfg.Search,
		analyzer:  analysis.New(opts...),
		totalDocs: st.TotalDocs,
		avgLen:    snap.AvgDocLength(),
	}
}

// scoredDoc is a per-segment match, always kept sorted by doc id.
type scoredDoc struct {
	docID uint32
	score float64
}

// Search evaluates q and returns the global top results, ordered by
// descending score with ascending key as tie-break. A non-positive
// limit falls back to the configured maximum. Cancellation is honored
// between segments.
func (s *Searcher) Search(ctx context.Context, q Query, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}

	top := &topHits{limit: limit}
	heap.Init(top)

	for i, seg := range s.snap.Segments() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		live := s.snap.Live(i)
		docs, err := s.evalSegment(seg, live, q)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			top.offer(candidate{key: seg.Key(d.docID), score: d.score, seg: seg, docID: d.docID})
		}
	}

	ranked := top.drain()
	hits := make([]Hit, len(ranked))
	for i, c := range ranked {
		fields, err := c.seg.StoredFields(c.docID)
		if err != nil {
			return nil, err
		}
		hits[i] = Hit{Key: c.key, Score: c.score, Fields: fields}
	}
	return hits, nil
}

func (s *Searcher) evalSegment(seg *segment.Segment, live *roaring.Bitmap, q Query) ([]scoredDoc, error) {
	switch t := q.(type) {
	case *Term:
		return s.evalTerm(seg, live, t)
	case *Prefix:
		return s.evalPrefix(seg, live, t)
	case *Range:
		return s.evalRange(seg, live, t)
	case *Boolean:
		return s.evalBoolean(seg, live, t)
	case *VectorKNN:
		return s.evalKNN(seg, live, t)
	default:
		return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "unsupported query type %T", q)
	}
}

func (s *Searcher) evalTerm(seg *segment.Segment, live *roaring.Bitmap, t *Term) ([]scoredDoc, error) {
	term := s.analyzer.NormalizeTerm(t.Value)
	postings, err := seg.Postings(t.Field, term)
	if err != nil {
		return nil, err
	}
	if len(postings) == 0 {
		return nil, nil
	}

	scorer := newBM25(s.cfg.K1, s.cfg.B, s.totalDocs, s.snap.DocFreq(t.Field, term), s.avgLen)
	boost := t.Boost
	if boost == 0 {
		boost = 1
	}

	docs := make([]scoredDoc, 0, len(postings))
	for _, p := range postings {
		if !live.Contains(p.DocID) {
			continue
		}
		docs = append(docs, scoredDoc{
			docID: p.DocID,
			score: boost * scorer.score(p.Freq, seg.DocLength(p.DocID)),
		})
	}
	return docs, nil
}

// evalPrefix unions every term carrying the prefix into a constant-score
// match set, filter-style.
func (s *Searcher) evalPrefix(seg *segment.Segment, live *roaring.Bitmap, t *Prefix) ([]scoredDoc, error) {
	prefix := s.analyzer.NormalizeTerm(t.Value)
	if prefix == "" {
		return nil, ferrors.QuerySyntax("prefix query needs a non-empty prefix")
	}
	return s.evalEntries(seg, live, seg.TermsWithPrefix(t.Field, prefix), t.Boost)
}

func (s *Searcher) evalRange(seg *segment.Segment, live *roaring.Bitmap, t *Range) ([]scoredDoc, error) {
	if t.Lo != nil && t.Hi != nil && *t.Lo > *t.Hi {
		return nil, ferrors.QuerySyntax("range lower bound exceeds upper bound")
	}

	lo, hi := "", ""
	if t.Lo != nil {
		lo = analysis.EncodeNumeric(*t.Lo)
	}
	if t.Hi != nil {
		hi = analysis.EncodeNumeric(*t.Hi)
	}

	entries := seg.TermsInRange(t.Field, lo, hi)
	filtered := entries[:0:len(entries)]
	for _, e := range entries {
		if !t.IncludeLo && t.Lo != nil && e.Term == lo {
			continue
		}
		if !t.IncludeHi && t.Hi != nil && e.Term == hi {
			continue
		}
		filtered = append(filtered, e)
	}
	return s.evalEntries(seg, live, filtered, t.Boost)
}

// evalEntries unions the postings of several dictionary entries into a
// deduplicated constant-score doc list.
func (s *Searcher) evalEntries(seg *segment.Segment, live *roaring.Bitmap, entries []segment.DictEntry, boost float64) ([]scoredDoc, error) {
	if boost == 0 {
		boost = 1
	}
	matched := roaring.New()
	for _, e := range entries {
		postings, err := seg.PostingsFor(e)
		if err != nil {
			return nil, err
		}
		for _, p := range postings {
			if live.Contains(p.DocID) {
				matched.Add(p.DocID)
			}
		}
	}

	docs := make([]scoredDoc, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		docs = append(docs, scoredDoc{docID: it.Next(), score: boost})
	}
	return docs, nil
}

func (s *Searcher) evalBoolean(seg *segment.Segment, live *roaring.Bitmap, b *Boolean) ([]scoredDoc, error) {
	if len(b.Clauses) == 0 {
		return nil, ferrors.QuerySyntax("boolean query needs at least one clause")
	}

	var musts, shoulds, nots [][]scoredDoc
	for _, c := range b.Clauses {
		docs, err := s.evalSegment(seg, live, c.Query)
		if err != nil {
			return nil, err
		}
		switch c.Occur {
		case Must:
			musts = append(musts, docs)
		case Should:
			shoulds = append(shoulds, docs)
		case MustNot:
			nots = append(nots, docs)
		default:
			return nil, ferrors.Newf(ferrors.ErrCodeQuerySyntax, "unknown occur %d", c.Occur)
		}
	}

	var result []scoredDoc
	if len(musts) > 0 {
		result = musts[0]
		for _, m := range musts[1:] {
			result = intersectScored(result, m)
		}
		// SHOULD clauses only sweeten the score of MUST matches.
		for _, sh := range shoulds {
			result = addScores(result, sh)
		}
	} else if len(shoulds) > 0 {
		for _, sh := range shoulds {
			result = unionScored(result, sh)
		}
	} else {
		// Only MUST_NOT clauses match nothing.
		return nil, nil
	}

	for _, n := range nots {
		result = differenceScored(result, n)
	}
	return result, nil
}

func (s *Searcher) evalKNN(seg *segment.Segment, live *roaring.Bitmap, t *VectorKNN) ([]scoredDoc, error) {
	vs := seg.Vectors()
	if vs == nil {
		return nil, nil
	}
	k := t.K
	if k <= 0 {
		return nil, ferrors.QuerySyntax("knn query needs k > 0")
	}
	hits, err := vs.Search(t.Vector, k, live)
	if err != nil {
		return nil, err
	}
	docs := make([]scoredDoc, len(hits))
	for i, h := range hits {
		docs[i] = scoredDoc{docID: h.DocID, score: h.Score}
	}
	sortByDocID(docs)
	return docs, nil
}

// intersectScored keeps docs present in both lists, summing scores.
func intersectScored(a, b []scoredDoc) []scoredDoc {
	var out []scoredDoc
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].docID < b[j].docID:
			i++
		case a[i].docID > b[j].docID:
			j++
		default:
			out = append(out, scoredDoc{docID: a[i].docID, score: a[i].score + b[j].score})
			i++
			j++
		}
	}
	return out
}

// unionScored keeps docs present in either list, summing scores of
// shared docs.
func unionScored(a, b []scoredDoc) []scoredDoc {
	out := make([]scoredDoc, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].docID < b[j].docID:
			out = append(out, a[i])
			i++
		case a[i].docID > b[j].docID:
			out = append(out, b[j])
			j++
		default:
			out = append(out, scoredDoc{docID: a[i].docID, score: a[i].score + b[j].score})
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// addScores adds b's scores to docs already in a without admitting new
// docs.
func addScores(a, b []scoredDoc) []scoredDoc {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].docID < b[j].docID:
			i++
		case a[i].docID > b[j].docID:
			j++
		default:
			a[i].score += b[j].score
			i++
			j++
		}
	}
	return a
}

// differenceScored removes docs present in b from a.
func differenceScored(a, b []scoredDoc) []scoredDoc {
	out := a[:0:len(a)]
	i, j := 0, 0
	for i < len(a) {
		for j < len(b) && b[j].docID < a[i].docID {
			j++
		}
		if j < len(b) && b[j].docID == a[i].docID {
			i++
			continue
		}
		out = append(out, a[i])
		i++
	}
	return out
}

func sortByDocID(docs []scoredDoc) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].docID < docs[j].docID })
}

// candidate ties a score to the segment that can resolve its stored
// fields.
type candidate struct {
	key   string
	score float64
	seg   *segment.Segment
	docID uint32
}

// topHits is a bounded min-heap: the weakest candidate sits on top so
// it can be evicted in O(log n). Equal scores rank the larger key as
// weaker, which yields ascending-key order among ties after draining.
type topHits struct {
	items []candidate
	limit int
}

func (h *topHits) Len() int { return len(h.items) }

func (h *topHits) Less(i, j int) bool {
	if h.items[i].score != h.items[j].score {
		return h.items[i].score < h.items[j].score
	}
	return h.items[i].key > h.items[j].key
}

func (h *topHits) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *topHits) Push(x any) { h.items = append(h.items, x.(candidate)) }

func (h *topHits) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}

func (h *topHits) offer(c candidate) {
	if len(h.items) < h.limit {
		heap.Push(h, c)
		return
	}
	worst := h.items[0]
	if c.score > worst.score || (c.score == worst.score && c.key < worst.key) {
		h.items[0] = c
		heap.Fix(h, 0)
	}
}

// drain empties the heap into descending-score, ascending-key order.
func (h *topHits) drain() []candidate {
	out := make([]candidate, len(h.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(candidate)
	}
	return out
}
