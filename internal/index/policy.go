package index

import (
	"sort"

	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/segment"
)

// planMerges selects disjoint groups of committed segments to merge.
// Two triggers apply: segments whose tombstone ratio exceeds the
// configured threshold are rewritten to reclaim space, and when the
// segment count grows past max_segments the smallest segments are
// folded together merge_factor at a time.
func planMerges(segs []*segment.Segment, cfg *config.MergeConfig) [][]*segment.Segment {
	var groups [][]*segment.Segment
	used := make(map[uint64]bool)

	var tombstoned []*segment.Segment
	for _, s := range segs {
		total := float64(s.NumDocs())
		dead := total - float64(s.LiveCount())
		if total > 0 && dead/total > cfg.TombstoneRatio {
			tombstoned = append(tombstoned, s)
			used[s.ID] = true
		}
	}
	if len(tombstoned) > 0 {
		groups = append(groups, tombstoned)
	}

	var remaining []*segment.Segment
	for _, s := range segs {
		if !used[s.ID] {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) > cfg.MaxSegments {
		sort.Slice(remaining, func(i, j int) bool {
			if remaining[i].LiveCount() != remaining[j].LiveCount() {
				return remaining[i].LiveCount() < remaining[j].LiveCount()
			}
			return remaining[i].ID < remaining[j].ID
		})
		n := cfg.MergeFactor
		if n > len(remaining) {
			n = len(remaining)
		}
		if n >= 2 {
			groups = append(groups, remaining[:n])
		}
	}
	return groups
}
