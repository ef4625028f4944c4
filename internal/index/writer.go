package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/fathom-search/fathom/internal/analysis"
	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/document"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/segment"
)

const lockFile = "write.lock"

// Writer is the single-writer mutation path of an index. At most one
// Writer per index directory exists at a time, enforced with a file
// lock. All methods are safe for concurrent use.
//
// Two locks split the work: mu guards the buffer and the segment set
// and is only ever held for short swaps, while commitMu serializes
// Commit, ForceMerge, and Close end to end. Segment and merge disk
// writes happen with mu released, so ingestion keeps flowing while a
// flush or merge is on disk.
type Writer struct {
	dir      string
	cfg      *config.Config
	log      *slog.Logger
	analyzer *analysis.Analyzer
	lock     *flock.Flock

	commitMu sync.Mutex

	mu        sync.Mutex
	flushDone *sync.Cond
	buf       *memBuffer
	flushing  int // rotated buffers being written outside mu
	committed []*segment.Segment
	flushed   []*segment.Segment
	tombs     map[uint64]map[string]struct{} // segment id -> keys to delete
	gen       uint64
	nextSegID uint64
	closed    bool
}

// NewWriter opens dir for writing, creating it if needed. It fails with
// an index-locked error when another writer holds the directory.
func NewWriter(dir string, cfg *config.Config, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ferrors.IOFailure("creating index directory", err)
	}

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, ferrors.IOFailure("acquiring index lock", err)
	}
	if !locked {
		return nil, ferrors.New(ferrors.ErrCodeIndexLocked,
			fmt.Sprintf("index at %s is locked by another writer", dir), nil)
	}

	w := &Writer{
		dir: dir,
		cfg: cfg,
		log: log,
		analyzer: analysis.New(
			analysis.WithStopWords(cfg.Analysis.StopWords),
			analysis.WithMinTokenLength(cfg.Analysis.MinTokenLength),
		),
		lock:      lock,
		buf:       newMemBuffer(),
		tombs:     make(map[uint64]map[string]struct{}),
		nextSegID: 1,
	}
	w.flushDone = sync.NewCond(&w.mu)
	if cfg.Analysis.SplitIdentifiers {
		w.analyzer = analysis.New(
			analysis.WithStopWords(cfg.Analysis.StopWords),
			analysis.WithMinTokenLength(cfg.Analysis.MinTokenLength),
			analysis.WithIdentifierSplitting(),
		)
	}

	m, err := loadManifest(dir)
	switch {
	case err == nil:
		w.gen = m.Gen
		w.nextSegID = m.NextSegID
		for _, ms := range m.Segments {
			// Pin the committed live-docs version. Newer live files are
			// leftovers of a commit that never published its manifest.
			liveVersion := ms.LiveVersion
			segDir := filepath.Join(dir, segment.DirName(ms.ID))
			seg, err := segment.Open(segDir, w.segmentOpenOptions(&liveVersion))
			if err != nil {
				w.release()
				return nil, err
			}
			segment.PruneLiveAbove(segDir, ms.LiveVersion)
			w.committed = append(w.committed, seg)
		}
	case ferrors.GetCode(err) == ferrors.ErrCodeNoCommit:
		// Fresh index.
	default:
		w.release()
		return nil, err
	}

	w.removeOrphans(m)
	log.Info("index_opened", "dir", dir, "gen", w.gen, "segments", len(w.committed))
	return w, nil
}

func (w *Writer) segmentOpenOptions(liveVersion *uint64) segment.OpenOptions {
	return segment.OpenOptions{
		Metric:         w.cfg.Vectors.Metric,
		GraphThreshold: w.cfg.Vectors.GraphThreshold,
		LiveVersion:    liveVersion,
	}
}

// removeOrphans deletes segment directories that no manifest references:
// leftovers of interrupted flushes and merges.
func (w *Writer) removeOrphans(m *manifest) {
	referenced := make(map[string]struct{})
	if m != nil {
		for _, ms := range m.Segments {
			referenced[segment.DirName(ms.ID)] = struct{}{}
		}
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, "seg-") {
			continue
		}
		if _, ok := referenced[strings.TrimSuffix(name, ".tmp")]; ok && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		w.log.Warn("removing_orphan_segment", "dir", name)
		_ = os.RemoveAll(filepath.Join(w.dir, name))
	}
}

// AddDocument buffers doc for indexing. A document whose key already
// exists, buffered or committed, replaces the earlier version. The
// buffer auto-flushes when it exceeds the configured size; the segment
// write runs with the writer unlocked so concurrent adds keep going.
func (w *Writer) AddDocument(doc *document.Document) error {
	if err := doc.Validate(w.cfg.Vectors.Dimensions); err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}

	w.tombstoneExisting(doc.Key)
	w.buf.add(doc, w.analyzer)

	var task *flushTask
	if w.buf.numDocs() >= w.cfg.Writer.MaxBufferedDocs ||
		w.buf.estimatedBytes() >= w.cfg.Writer.MaxBufferBytes {
		task = w.rotateLocked()
	}
	w.mu.Unlock()

	if task != nil {
		return w.runFlush(task)
	}
	return nil
}

// UpdateDocument replaces the document with doc's key. The tombstone
// for the old version and the new version become visible in the same
// Commit, never separately.
func (w *Writer) UpdateDocument(doc *document.Document) error {
	return w.AddDocument(doc)
}

// DeleteDocuments marks every document with one of the keys deleted.
// The deletion is durable after the next Commit.
func (w *Writer) DeleteDocuments(keys ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}

	w.buf.delete(keys)
	for _, key := range keys {
		w.tombstoneExisting(key)
	}
	return nil
}

// tombstoneExisting records key for deletion in every segment that
// exists right now. Segments flushed later hold newer versions of the
// key and must not see this tombstone.
func (w *Writer) tombstoneExisting(key string) {
	for _, seg := range w.committed {
		w.tombstoneSegment(seg.ID, key)
	}
	for _, seg := range w.flushed {
		w.tombstoneSegment(seg.ID, key)
	}
}

func (w *Writer) tombstoneSegment(segID uint64, key string) {
	m, ok := w.tombs[segID]
	if !ok {
		m = make(map[string]struct{})
		w.tombs[segID] = m
	}
	m[key] = struct{}{}
}

// flushTask is one rotated buffer on its way to disk. The segment id is
// reserved at rotation time so deletes issued while the write is in
// flight can still target it through the tombstone map.
type flushTask struct {
	id    uint64
	build *segment.Build
}

// rotateLocked swaps in a fresh buffer and hands back the old one as a
// flush task. Callers must hold mu. Returns nil when there is nothing
// worth persisting.
func (w *Writer) rotateLocked() *flushTask {
	if w.buf.numDocs() == 0 {
		return nil
	}
	if w.buf.empty() {
		// Everything buffered was deleted again; nothing to persist.
		w.buf = newMemBuffer()
		return nil
	}

	id := w.nextSegID
	w.nextSegID++
	task := &flushTask{id: id, build: w.buf.build(w.cfg.Vectors.Dimensions)}
	w.buf = newMemBuffer()
	w.flushing++
	return task
}

// runFlush writes a rotated buffer to disk without holding mu, then
// reacquires it to publish the segment to the flushed set.
func (w *Writer) runFlush(task *flushTask) error {
	var seg *segment.Segment
	_, err := segment.Write(w.dir, task.id, task.build)
	if err == nil {
		seg, err = segment.Open(filepath.Join(w.dir, segment.DirName(task.id)), w.segmentOpenOptions(nil))
	}

	w.mu.Lock()
	w.flushing--
	if seg != nil {
		w.flushed = append(w.flushed, seg)
		w.log.Info("segment_flushed", "segment", segment.DirName(task.id),
			"docs", seg.NumDocs(), "live", seg.LiveCount())
	}
	w.flushDone.Broadcast()
	w.mu.Unlock()

	if err != nil {
		return ferrors.IOFailure("flushing segment", err)
	}
	return nil
}

// Flush writes the buffer to a new on-disk segment without committing.
// The segment is invisible to readers, and to reopen after a crash,
// until the next Commit.
func (w *Writer) Flush() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}
	task := w.rotateLocked()
	w.mu.Unlock()

	if task == nil {
		return nil
	}
	return w.runFlush(task)
}

// Commit makes all buffered additions and deletions durable and visible
// to new readers: flush, tombstone application, then an atomic manifest
// swap. A failed commit leaves the previous commit fully intact.
// Afterwards merges may run per the merge policy.
func (w *Writer) Commit(ctx context.Context) error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}
	task := w.rotateLocked()
	w.mu.Unlock()
	if task != nil {
		if err := w.runFlush(task); err != nil {
			return err
		}
	}

	w.mu.Lock()
	for w.flushing > 0 {
		w.flushDone.Wait()
	}
	if w.closed {
		w.mu.Unlock()
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}
	err := w.publishLocked()
	w.mu.Unlock()
	if err != nil {
		return err
	}

	if w.cfg.Merge.Enabled {
		return w.merge(ctx, false)
	}
	return nil
}

// publishLocked applies pending tombstones and swaps in a new manifest.
// Nothing is deleted from disk until the manifest write has succeeded,
// so a failure here cannot damage the previous commit.
func (w *Writer) publishLocked() error {
	segs := make([]*segment.Segment, 0, len(w.committed)+len(w.flushed))
	segs = append(segs, w.committed...)
	segs = append(segs, w.flushed...)

	for _, seg := range segs {
		keys := w.tombs[seg.ID]
		if len(keys) == 0 {
			continue
		}
		removed, err := seg.ApplyTombstones(keys)
		if err != nil {
			return err
		}
		if removed > 0 {
			w.log.Debug("tombstones_applied", "segment", segment.DirName(seg.ID), "removed", removed)
		}
	}

	// Segments with no survivors leave the manifest, but their
	// directories are only removed after the new manifest is durable.
	var kept, empties []*segment.Segment
	for _, seg := range segs {
		if seg.LiveCount() == 0 {
			empties = append(empties, seg)
			continue
		}
		kept = append(kept, seg)
	}

	if err := w.writeManifestLocked(kept); err != nil {
		return err
	}
	w.committed = kept
	w.flushed = nil
	w.tombs = make(map[uint64]map[string]struct{})

	for _, seg := range empties {
		if err := seg.Drop(); err != nil {
			return ferrors.IOFailure("dropping empty segment", err)
		}
	}
	w.log.Info("committed", "gen", w.gen, "segments", len(w.committed))
	return nil
}

func (w *Writer) writeManifestLocked(segs []*segment.Segment) error {
	m := &manifest{
		Gen:       w.gen + 1,
		NextSegID: w.nextSegID,
	}
	for _, seg := range segs {
		m.Segments = append(m.Segments, manifestSegment{
			ID:          seg.ID,
			LiveVersion: seg.Live().Version,
		})
	}
	if err := writeManifest(w.dir, m); err != nil {
		return err
	}
	w.gen = m.Gen
	if w.gen > 4 {
		pruneManifests(w.dir, w.gen-4)
	}
	return nil
}

// ForceMerge merges all committed segments into one.
func (w *Writer) ForceMerge(ctx context.Context) error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}
	return w.merge(ctx, true)
}

// merge runs the merge policy over committed segments. Planning and the
// final segment-set swap hold mu briefly; the merge writes themselves
// run unlocked under the configured concurrency limit. Callers hold
// commitMu, which keeps the committed set stable while mu is released.
func (w *Writer) merge(ctx context.Context, force bool) error {
	w.mu.Lock()
	var groups [][]*segment.Segment
	if force {
		if len(w.committed) > 1 {
			groups = [][]*segment.Segment{append([]*segment.Segment(nil), w.committed...)}
		}
	} else {
		groups = planMerges(w.committed, &w.cfg.Merge)
	}
	ids := make([]uint64, len(groups))
	for i := range groups {
		ids[i] = w.nextSegID
		w.nextSegID++
	}
	w.mu.Unlock()
	if len(groups) == 0 {
		return nil
	}

	type mergeResult struct {
		sources []*segment.Segment
		merged  *segment.Segment
	}
	results := make([]mergeResult, len(groups))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Merge.Concurrency)
	for i, group := range groups {
		i, group := i, group
		id := ids[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			w.log.Info("merge_started", "target", segment.DirName(id), "sources", len(group))
			dir, err := segment.Merge(w.dir, id, group)
			if errors.Is(err, segment.ErrNoLiveDocs) {
				results[i] = mergeResult{sources: group}
				return nil
			}
			if err != nil {
				return ferrors.IOFailure("merging segments", err)
			}
			merged, err := segment.Open(dir, w.segmentOpenOptions(nil))
			if err != nil {
				return err
			}
			results[i] = mergeResult{sources: group, merged: merged}
			return nil
		})
	}
	waitErr := g.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if waitErr != nil {
		for _, r := range results {
			if r.merged != nil {
				_ = r.merged.Drop()
			}
		}
		return waitErr
	}

	retired := make(map[uint64]*segment.Segment)
	var next []*segment.Segment
	for _, r := range results {
		for _, s := range r.sources {
			retired[s.ID] = s
		}
		if r.merged != nil {
			next = append(next, r.merged)
		}
	}
	for _, seg := range w.committed {
		if _, ok := retired[seg.ID]; !ok {
			next = append(next, seg)
		}
	}

	if err := w.writeManifestLocked(next); err != nil {
		for _, r := range results {
			if r.merged != nil {
				_ = r.merged.Drop()
			}
		}
		return err
	}

	// Deletes issued while the merge was on disk targeted the source
	// segments; carry them over to the replacement.
	for _, r := range results {
		if r.merged == nil {
			continue
		}
		for _, s := range r.sources {
			for key := range w.tombs[s.ID] {
				w.tombstoneSegment(r.merged.ID, key)
			}
		}
	}
	for id := range retired {
		delete(w.tombs, id)
	}

	w.committed = next
	for _, seg := range retired {
		if err := seg.Drop(); err != nil {
			return ferrors.IOFailure("retiring merged segment", err)
		}
	}
	w.log.Info("merge_done", "gen", w.gen, "segments", len(w.committed))
	return nil
}

// Snapshot pins the current committed state for searching. The caller
// must Close it. Buffered and flushed-but-uncommitted documents are not
// visible.
func (w *Writer) Snapshot() (*Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ferrors.New(ferrors.ErrCodeWriterClosed, "writer is closed", nil)
	}
	return newSnapshot(w.committed, w.gen), nil
}

// NumBufferedDocs reports how many live documents await the next flush.
func (w *Writer) NumBufferedDocs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.numLive()
}

// Close releases the writer. Uncommitted buffered documents are
// discarded; call Commit first to keep them.
func (w *Writer) Close() error {
	w.commitMu.Lock()
	defer w.commitMu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	for w.flushing > 0 {
		w.flushDone.Wait()
	}
	w.closed = true

	var firstErr error
	for _, seg := range append(w.committed, w.flushed...) {
		if err := seg.DecRef(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.committed = nil
	w.flushed = nil
	w.release()
	w.log.Info("index_closed", "dir", w.dir)
	return firstErr
}

func (w *Writer) release() {
	_ = w.lock.Unlock()
}
