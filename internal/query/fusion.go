package query

import (
	"context"
	"sort"
	"strings"

	"github.com/fathom-search/fathom/internal/embed"
	ferrors "github.com/fathom-search/fathom/internal/errors"
)

// HybridOptions tunes SearchHybrid. Zero weights fall back to the
// configured defaults.
type HybridOptions struct {
	K             int // vector neighbors to retrieve, 0 means limit
	LexicalWeight float64
	VectorWeight  float64
	VectorField   string
}

// SearchHybrid runs q lexically and, in parallel conceptually, a KNN
// query built from q's significant terms, then fuses both rankings by
// weighted score sum. If embedding fails the lexical results stand
// alone; hybrid search degrades, it does not break.
func (s *Searcher) SearchHybrid(ctx context.Context, q Query, embedder embed.Embedder, limit int, opts HybridOptions) ([]Hit, error) {
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}
	lexWeight := opts.LexicalWeight
	if lexWeight == 0 {
		lexWeight = s.cfg.LexicalWeight
	}
	vecWeight := opts.VectorWeight
	if vecWeight == 0 {
		vecWeight = s.cfg.VectorWeight
	}
	k := opts.K
	if k <= 0 {
		k = limit
	}

	lexical, err := s.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}

	vector, embErr := s.vectorLeg(ctx, q, embedder, k, opts.VectorField)
	if embErr != nil {
		// Lexical results still stand when the embedder is down.
		if ferrors.GetCode(embErr) != ferrors.ErrCodeEmbeddingUnavailable {
			return nil, embErr
		}
		vector = nil
	}

	return fuseWeighted(lexical, vector, lexWeight, vecWeight, limit), nil
}

func (s *Searcher) vectorLeg(ctx context.Context, q Query, embedder embed.Embedder, k int, field string) ([]Hit, error) {
	if embedder == nil {
		return nil, nil
	}
	terms := SignificantTerms(q)
	if len(terms) == 0 {
		return nil, nil
	}

	vec, err := embedder.Embed(ctx, strings.Join(terms, " "))
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, ferrors.EmbeddingUnavailable(err)
	}
	if field == "" {
		field = "embedding"
	}
	return s.Search(ctx, &VectorKNN{Field: field, Vector: vec, K: k}, k)
}

// fuseWeighted unions two ranked lists by key with a weighted score sum,
// mirroring SHOULD combination: presence in either list is enough.
func fuseWeighted(lexical, vector []Hit, lexWeight, vecWeight float64, limit int) []Hit {
	byKey := make(map[string]*Hit, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))

	for _, h := range lexical {
		fused := h
		fused.Score = lexWeight * h.Score
		byKey[h.Key] = &fused
		order = append(order, h.Key)
	}
	for _, h := range vector {
		if existing, ok := byKey[h.Key]; ok {
			existing.Score += vecWeight * h.Score
			continue
		}
		fused := h
		fused.Score = vecWeight * h.Score
		byKey[h.Key] = &fused
		order = append(order, h.Key)
	}

	out := make([]Hit, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
