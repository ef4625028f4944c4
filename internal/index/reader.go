package index

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/fathom-search/fathom/internal/config"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/segment"
)

// Snapshot is an immutable point-in-time view of committed index state.
// It pins its segments and their live-docs bitmaps, so concurrent
// commits, deletes, and merges never change what it sees. Close it to
// release the pins.
type Snapshot struct {
	Gen uint64

	segs []*segment.Segment
	live []*segment.LiveDocs

	closeOnce sync.Once
	closeErr  error
}

func newSnapshot(segs []*segment.Segment, gen uint64) *Snapshot {
	s := &Snapshot{Gen: gen}
	for _, seg := range segs {
		seg.IncRef()
		s.segs = append(s.segs, seg)
		s.live = append(s.live, seg.Live())
	}
	return s
}

// Segments returns the pinned segments in stable order.
func (s *Snapshot) Segments() []*segment.Segment { return s.segs }

// Live returns the pinned live-docs bitmap for segment i.
func (s *Snapshot) Live(i int) *roaring.Bitmap { return s.live[i].Bitmap }

// NumDocs returns the number of live documents across all segments.
func (s *Snapshot) NumDocs() uint64 {
	var n uint64
	for _, ld := range s.live {
		n += ld.Bitmap.GetCardinality()
	}
	return n
}

// AvgDocLength returns the mean text token count per document, counting
// dead documents so the statistic stays stable between merges.
func (s *Snapshot) AvgDocLength() float64 {
	var sum, docs uint64
	for _, seg := range s.segs {
		sum += seg.SumDocLengths()
		docs += uint64(seg.NumDocs())
	}
	if docs == 0 {
		return 0
	}
	return float64(sum) / float64(docs)
}

// DocFreq returns the number of documents containing (field, term)
// summed across segments.
func (s *Snapshot) DocFreq(field, term string) uint64 {
	var df uint64
	for _, seg := range s.segs {
		df += uint64(seg.DocFreq(field, term))
	}
	return df
}

// Acquire re-pins the snapshot for another concurrent user, typically
// one search. Every Acquire needs its own Close.
func (s *Snapshot) Acquire() *Snapshot {
	clone := &Snapshot{Gen: s.Gen, live: s.live}
	for _, seg := range s.segs {
		seg.IncRef()
		clone.segs = append(clone.segs, seg)
	}
	return clone
}

// Close releases the segment pins. Safe to call more than once.
func (s *Snapshot) Close() error {
	s.closeOnce.Do(func() {
		for _, seg := range s.segs {
			if err := seg.DecRef(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Stats summarizes a snapshot for diagnostics.
type Stats struct {
	Gen        uint64
	Segments   int
	LiveDocs   uint64
	TotalDocs  uint64
	Tombstones uint64
	Vectors    int
}

// Stats computes summary statistics over the snapshot.
func (s *Snapshot) Stats() Stats {
	st := Stats{Gen: s.Gen, Segments: len(s.segs)}
	for i, seg := range s.segs {
		live := s.live[i].Bitmap.GetCardinality()
		st.LiveDocs += live
		st.TotalDocs += uint64(seg.NumDocs())
		st.Tombstones += uint64(seg.NumDocs()) - live
		if v := seg.Vectors(); v != nil {
			st.Vectors += v.Count()
		}
	}
	return st
}

// Reader is a standalone read path over an index directory. It opens
// the committed manifest independently of any writer, and Reopen picks
// up later commits. Safe for concurrent use.
type Reader struct {
	dir string
	cfg *config.Config
	log *slog.Logger

	mu     sync.RWMutex
	base   *Snapshot
	closed bool
}

// OpenReader opens the latest committed state of the index at dir.
func OpenReader(dir string, cfg *config.Config, log *slog.Logger) (*Reader, error) {
	r := &Reader{dir: dir, cfg: cfg, log: log}
	snap, err := r.load(nil)
	if err != nil {
		return nil, err
	}
	r.base = snap
	log.Debug("reader_opened", "dir", dir, "gen", snap.Gen, "segments", len(snap.segs))
	return r, nil
}

// load opens the manifest's segments. Segments already open in prev at
// the same live-docs version are re-pinned instead of reopened.
func (r *Reader) load(prev *Snapshot) (*Snapshot, error) {
	m, err := loadManifest(r.dir)
	if err != nil {
		return nil, err
	}

	reusable := make(map[uint64]*segment.Segment)
	if prev != nil {
		for _, seg := range prev.segs {
			reusable[seg.ID] = seg
		}
	}

	snap := &Snapshot{Gen: m.Gen}
	for _, ms := range m.Segments {
		if seg, ok := reusable[ms.ID]; ok && seg.Live().Version == ms.LiveVersion {
			seg.IncRef()
			snap.segs = append(snap.segs, seg)
			snap.live = append(snap.live, seg.Live())
			continue
		}
		liveVersion := ms.LiveVersion
		seg, err := segment.Open(filepath.Join(r.dir, segment.DirName(ms.ID)), segment.OpenOptions{
			Metric:         r.cfg.Vectors.Metric,
			GraphThreshold: r.cfg.Vectors.GraphThreshold,
			LiveVersion:    &liveVersion,
		})
		if err != nil {
			if ferrors.GetCode(err) == ferrors.ErrCodeCorruptSegment {
				// A damaged segment costs its documents, not the index.
				r.log.Warn("skipping_corrupt_segment", "segment", segment.DirName(ms.ID), "error", err)
				continue
			}
			snap.Close()
			return nil, err
		}
		snap.segs = append(snap.segs, seg)
		snap.live = append(snap.live, seg.Live())
	}
	return snap, nil
}

// Snapshot pins the reader's current view for a search. The caller must
// Close it.
func (r *Reader) Snapshot() (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ferrors.New(ferrors.ErrCodeReaderClosed, "reader is closed", nil)
	}
	return r.base.Acquire(), nil
}

// Reopen switches to the latest committed generation, if it changed.
// Snapshots handed out earlier keep their old view until closed.
func (r *Reader) Reopen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ferrors.New(ferrors.ErrCodeReaderClosed, "reader is closed", nil)
	}

	m, err := loadManifest(r.dir)
	if err != nil {
		return err
	}
	if m.Gen == r.base.Gen {
		return nil
	}

	snap, err := r.load(r.base)
	if err != nil {
		return err
	}
	old := r.base
	r.base = snap
	r.log.Debug("reader_reopened", "gen", snap.Gen, "segments", len(snap.segs))
	return old.Close()
}

// Close releases the reader's segments.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.base.Close()
}
