package query

import "math"

// bm25 scores one term against documents using snapshot-global
// statistics, so the same document scores identically no matter which
// segment holds it.
type bm25 struct {
	k1     float64
	b      float64
	idf    float64
	avgLen float64
}

// newBM25 precomputes the IDF for a term. The +1 inside the log keeps
// the weight positive even for terms present in most documents.
func newBM25(k1, b float64, totalDocs, docFreq uint64, avgLen float64) bm25 {
	n := float64(totalDocs)
	df := float64(docFreq)
	idf := math.Log(1 + (n-df+0.5)/(df+0.5))
	return bm25{k1: k1, b: b, idf: idf, avgLen: avgLen}
}

// score is monotonic in freq and in idf, with document length
// normalization: shorter documents with the same frequency score higher.
func (s bm25) score(freq, docLen uint32) float64 {
	tf := float64(freq)
	norm := 1.0
	if s.avgLen > 0 {
		norm = 1 - s.b + s.b*float64(docLen)/s.avgLen
	}
	return s.idf * tf * (s.k1 + 1) / (tf + s.k1*norm)
}
