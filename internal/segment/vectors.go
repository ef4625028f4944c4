package segment

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/coder/hnsw"

	ferrors "github.com/fathom-search/fathom/internal/errors"
)

// Supported vector similarity metrics.
const (
	MetricCosine = "cos"
	MetricDot    = "dot"
)

// VectorHit is one KNN result within a segment.
type VectorHit struct {
	DocID uint32
	Score float64
}

// vectorStore holds a segment's vectors. Below graphThreshold (or for
// the dot metric) every query is an exact brute-force scan; above it,
// cosine queries go through an HNSW graph built at open time.
type vectorStore struct {
	dims   int
	metric string
	ids    []uint32
	data   []float32 // row-major, stored exactly as written
	norms  []float32 // per-row L2 norms, cosine metric only
	graph  *hnsw.Graph[uint32]
}

func openVectors(path, metric string, graphThreshold int) (*vectorStore, error) {
	payload, err := readChecksummed(path, vectorsMagic)
	if err != nil {
		return nil, fmt.Errorf("reading vectors: %w", err)
	}
	if len(payload) < 8 {
		return nil, fmt.Errorf("vectors payload truncated")
	}
	dims := int(binary.LittleEndian.Uint32(payload[0:4]))
	count := int(binary.LittleEndian.Uint32(payload[4:8]))
	if dims <= 0 {
		return nil, fmt.Errorf("invalid vector dimensions %d", dims)
	}
	recSize := 4 + dims*4
	if len(payload) != 8+count*recSize {
		return nil, fmt.Errorf("vectors payload size %d does not match %d records", len(payload), count)
	}

	vs := &vectorStore{
		dims:   dims,
		metric: metric,
		ids:    make([]uint32, count),
		data:   make([]float32, count*dims),
	}
	if metric == MetricCosine {
		vs.norms = make([]float32, count)
	}
	off := 8
	for i := 0; i < count; i++ {
		vs.ids[i] = binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		row := vs.data[i*dims : (i+1)*dims]
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
			off += 4
		}
		if vs.norms != nil {
			vs.norms[i] = norm(row)
		}
	}

	if metric == MetricCosine && graphThreshold > 0 && count >= graphThreshold {
		g := hnsw.NewGraph[uint32]()
		g.Distance = hnsw.CosineDistance
		for i, id := range vs.ids {
			g.Add(hnsw.MakeNode(id, vs.data[i*dims:(i+1)*dims]))
		}
		vs.graph = g
	}
	return vs, nil
}

// Dims returns the vector dimensionality.
func (v *vectorStore) Dims() int { return v.dims }

// Count returns the number of stored vectors.
func (v *vectorStore) Count() int { return len(v.ids) }

// Search returns the k nearest live documents to query, highest score
// first with document id as tie-breaker.
func (v *vectorStore) Search(query []float32, k int, live *roaring.Bitmap) ([]VectorHit, error) {
	if len(query) != v.dims {
		return nil, ferrors.Newf(ferrors.ErrCodeDimensionMismatch,
			"query vector has %d dimensions, index has %d", len(query), v.dims)
	}
	if k <= 0 || len(v.ids) == 0 {
		return nil, nil
	}

	if v.graph != nil {
		if hits, ok := v.searchGraph(query, k, live); ok {
			return hits, nil
		}
	}
	return v.searchExact(query, k, live), nil
}

// score compares the query against row i. Cosine divides by the
// precomputed norms; a zero-length vector on either side scores zero.
func (v *vectorStore) score(q []float32, qnorm float32, i int) float64 {
	d := dot(q, v.data[i*v.dims:(i+1)*v.dims])
	if v.metric != MetricCosine {
		return float64(d)
	}
	if qnorm == 0 || v.norms[i] == 0 {
		return 0
	}
	return float64(d / (qnorm * v.norms[i]))
}

// searchGraph over-fetches from the HNSW graph to survive live-docs
// filtering. If filtering leaves fewer than k hits while more live
// candidates could exist, it reports failure so the caller falls back
// to the exact scan.
func (v *vectorStore) searchGraph(q []float32, k int, live *roaring.Bitmap) ([]VectorHit, bool) {
	fetch := k * 4
	if fetch > len(v.ids) {
		fetch = len(v.ids)
	}
	nodes := v.graph.Search(q, fetch)

	qnorm := norm(q)
	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		if live != nil && !live.Contains(node.Key) {
			continue
		}
		i := v.rowIndex(node.Key)
		if i < 0 {
			continue
		}
		hits = append(hits, VectorHit{DocID: node.Key, Score: v.score(q, qnorm, i)})
	}
	if len(hits) < k && fetch < len(v.ids) {
		return nil, false
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, true
}

func (v *vectorStore) searchExact(q []float32, k int, live *roaring.Bitmap) []VectorHit {
	qnorm := norm(q)
	hits := make([]VectorHit, 0, len(v.ids))
	for i, id := range v.ids {
		if live != nil && !live.Contains(id) {
			continue
		}
		hits = append(hits, VectorHit{DocID: id, Score: v.score(q, qnorm, i)})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Vector returns the stored vector for a document exactly as it was
// written, or nil if the document has none.
func (v *vectorStore) Vector(docID uint32) []float32 {
	i := v.rowIndex(docID)
	if i < 0 {
		return nil
	}
	return v.data[i*v.dims : (i+1)*v.dims]
}

func (v *vectorStore) rowIndex(docID uint32) int {
	i := sort.Search(len(v.ids), func(i int) bool { return v.ids[i] >= docID })
	if i >= len(v.ids) || v.ids[i] != docID {
		return -1
	}
	return i
}

func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}
