package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/document"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/segment"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Vectors.Dimensions = 2
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(t *testing.T, dir string, cfg *config.Config) *Writer {
	t.Helper()
	w, err := NewWriter(dir, cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func textDoc(key, body string) *document.Document {
	return document.New(key, document.Text("body", body))
}

func liveKeys(snap *Snapshot) []string {
	var keys []string
	for i, seg := range snap.Segments() {
		it := snap.Live(i).Iterator()
		for it.HasNext() {
			keys = append(keys, seg.Key(it.Next()))
		}
	}
	sort.Strings(keys)
	return keys
}

func storedText(t *testing.T, snap *Snapshot, key, field string) string {
	t.Helper()
	for i, seg := range snap.Segments() {
		it := snap.Live(i).Iterator()
		for it.HasNext() {
			docID := it.Next()
			if seg.Key(docID) != key {
				continue
			}
			fields, err := seg.StoredFields(docID)
			require.NoError(t, err)
			for _, f := range fields {
				if f.Name == field {
					return f.Text
				}
			}
		}
	}
	t.Fatalf("no live document with key %q", key)
	return ""
}

func TestAddCommitVisible(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "the red car")))
	require.NoError(t, w.AddDocument(textDoc("b", "the blue bicycle")))
	require.NoError(t, w.Commit(context.Background()))

	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()

	snap, err := r.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, uint64(2), snap.NumDocs())
	assert.Equal(t, []string{"a", "b"}, liveKeys(snap))
	assert.Equal(t, uint64(1), snap.DocFreq("body", "car"))
	assert.Equal(t, uint64(2), snap.DocFreq("body", "the"))
	assert.Equal(t, uint64(0), snap.DocFreq("body", "missing"))
}

func TestOpenReaderWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenReader(dir, testConfig(), testLogger())
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeNoCommit, ferrors.GetCode(err))
}

func TestFlushedButUncommittedInvisibleAfterReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	w := newTestWriter(t, dir, cfg)
	require.NoError(t, w.AddDocument(textDoc("a", "committed doc")))
	require.NoError(t, w.Commit(context.Background()))

	// Flushed to disk but never committed, as if the process died
	// between flush and manifest write.
	require.NoError(t, w.AddDocument(textDoc("b", "uncommitted doc")))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	segDirs := 0
	for _, e := range entries {
		if e.IsDir() {
			segDirs++
		}
	}
	assert.Equal(t, 2, segDirs, "uncommitted segment should exist on disk before reopen")

	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()
	snap, err := r.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a"}, liveKeys(snap))

	// Reopening the writer reclaims the orphan.
	w2 := newTestWriter(t, dir, cfg)
	_ = w2
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	segDirs = 0
	for _, e := range entries {
		if e.IsDir() {
			segDirs++
		}
	}
	assert.Equal(t, 1, segDirs, "orphan segment should be reclaimed")
}

func TestUpdateReplacesAcrossCommits(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "first version")))
	require.NoError(t, w.Commit(context.Background()))

	require.NoError(t, w.AddDocument(textDoc("a", "second version")))
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, []string{"a"}, liveKeys(snap))
	assert.Equal(t, "second version", storedText(t, snap, "a", "body"))
}

func TestBufferShadowing(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "first")))
	require.NoError(t, w.AddDocument(textDoc("a", "second")))
	assert.Equal(t, 1, w.NumBufferedDocs())
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a"}, liveKeys(snap))
	assert.Equal(t, "second", storedText(t, snap, "a", "body"))
}

func TestDeleteDocuments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	// Merging would rewrite the half-dead segment within the same
	// commit; keep it off to observe the tombstone itself.
	cfg.Merge.Enabled = false
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "keep me")))
	require.NoError(t, w.AddDocument(textDoc("b", "delete me")))
	require.NoError(t, w.Commit(context.Background()))

	require.NoError(t, w.DeleteDocuments("b"))
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, []string{"a"}, liveKeys(snap))
	// The dead document still exists physically until a merge.
	st := snap.Stats()
	assert.Equal(t, uint64(1), st.LiveDocs)
	assert.Equal(t, uint64(2), st.TotalDocs)
	assert.Equal(t, uint64(1), st.Tombstones)
}

func TestFailedCommitLeavesPreviousCommitIntact(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Merge.Enabled = false
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "first commit")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, w.AddDocument(textDoc("b", "second commit")))
	require.NoError(t, w.Commit(context.Background()))

	require.NoError(t, w.DeleteDocuments("a"))

	// A directory squatting on the atomic-write temp path makes the
	// manifest swap fail partway through.
	blocker := filepath.Join(dir, "CURRENT.tmp")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "block"), 0o755))
	require.Error(t, w.Commit(context.Background()))

	// New readers still see the last successful commit, delete included.
	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, liveKeys(snap))
	require.NoError(t, snap.Close())
	require.NoError(t, r.Close())

	// Once the failure clears, the same commit goes through.
	require.NoError(t, os.RemoveAll(blocker))
	require.NoError(t, w.Commit(context.Background()))

	after, err := w.Snapshot()
	require.NoError(t, err)
	defer after.Close()
	assert.Equal(t, []string{"b"}, liveKeys(after))

	require.NoError(t, w.Close())
}

func TestWriterReopenIgnoresUncommittedTombstones(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Merge.Enabled = false
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "one")))
	require.NoError(t, w.AddDocument(textDoc("b", "two")))
	require.NoError(t, w.Commit(context.Background()))

	// Fail the commit after the tombstone has produced a newer
	// live-docs file, as if the process died mid-commit.
	require.NoError(t, w.DeleteDocuments("a"))
	blocker := filepath.Join(dir, "CURRENT.tmp")
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "block"), 0o755))
	require.Error(t, w.Commit(context.Background()))
	require.NoError(t, os.RemoveAll(blocker))
	require.NoError(t, w.Close())

	orphan := filepath.Join(dir, segment.DirName(1), segment.LiveFile(1))
	_, err := os.Stat(orphan)
	require.NoError(t, err, "failed commit should have left a newer live-docs file")

	w2 := newTestWriter(t, dir, cfg)
	snap, err := w2.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a", "b"}, liveKeys(snap))

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "uncommitted live-docs file should be pruned on reopen")
}

func TestConcurrentAddsDuringFlushAndCommit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Writer.MaxBufferedDocs = 8
	w := newTestWriter(t, dir, cfg)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("doc-%d-%d", i, j)
				if err := w.AddDocument(textDoc(key, "payload "+key)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(200), snap.NumDocs())
}

func TestDeleteBufferedDocument(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, testConfig())

	require.NoError(t, w.AddDocument(textDoc("a", "never committed")))
	require.NoError(t, w.DeleteDocuments("a"))
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Empty(t, liveKeys(snap))
}

func TestForceMergePreservesResults(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "red car")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, w.AddDocument(textDoc("b", "blue car")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, w.AddDocument(textDoc("c", "red bicycle")))
	require.NoError(t, w.DeleteDocuments("b"))
	require.NoError(t, w.Commit(context.Background()))

	before, err := w.Snapshot()
	require.NoError(t, err)
	beforeKeys := liveKeys(before)
	beforeDF := before.DocFreq("body", "red")
	require.NoError(t, before.Close())

	require.NoError(t, w.ForceMerge(context.Background()))

	after, err := w.Snapshot()
	require.NoError(t, err)
	defer after.Close()

	assert.Equal(t, beforeKeys, liveKeys(after))
	assert.Equal(t, beforeDF, after.DocFreq("body", "red"))
	assert.Len(t, after.Segments(), 1)
	st := after.Stats()
	assert.Equal(t, st.LiveDocs, st.TotalDocs, "merge must drop tombstoned docs")
}

func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "stable view")))
	require.NoError(t, w.Commit(context.Background()))

	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()
	old, err := r.Snapshot()
	require.NoError(t, err)
	defer old.Close()

	require.NoError(t, w.DeleteDocuments("a"))
	require.NoError(t, w.AddDocument(textDoc("b", "new doc")))
	require.NoError(t, w.Commit(context.Background()))

	// The old snapshot still sees the old state.
	assert.Equal(t, []string{"a"}, liveKeys(old))

	require.NoError(t, r.Reopen())
	fresh, err := r.Snapshot()
	require.NoError(t, err)
	defer fresh.Close()
	assert.Equal(t, []string{"b"}, liveKeys(fresh))
}

func TestSecondWriterRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	_ = newTestWriter(t, dir, cfg)

	_, err := NewWriter(dir, cfg, testLogger())
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeIndexLocked, ferrors.GetCode(err))
}

func TestClosedWriterRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, testConfig())
	require.NoError(t, w.Close())

	err := w.AddDocument(textDoc("a", "late"))
	assert.Equal(t, ferrors.ErrCodeWriterClosed, ferrors.GetCode(err))
	err = w.Commit(context.Background())
	assert.Equal(t, ferrors.ErrCodeWriterClosed, ferrors.GetCode(err))
	_, err = w.Snapshot()
	assert.Equal(t, ferrors.ErrCodeWriterClosed, ferrors.GetCode(err))
}

func TestMalformedDocumentRejected(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, testConfig())

	doc := document.New("a", document.Vector("embedding", []float32{1, 2, 3}))
	err := w.AddDocument(doc) // configured for 2 dimensions
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeMalformedDocument, ferrors.GetCode(err))
	assert.Equal(t, 0, w.NumBufferedDocs())
}

func TestAutoFlushOnBufferLimit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Writer.MaxBufferedDocs = 2
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "one")))
	assert.Equal(t, 1, w.NumBufferedDocs())
	require.NoError(t, w.AddDocument(textDoc("b", "two")))
	assert.Equal(t, 0, w.NumBufferedDocs(), "buffer should have flushed")

	require.NoError(t, w.Commit(context.Background()))
	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a", "b"}, liveKeys(snap))
}

func TestReopenPersistsAcrossWriters(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	w := newTestWriter(t, dir, cfg)
	require.NoError(t, w.AddDocument(textDoc("a", "persisted")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, w.Close())

	w2 := newTestWriter(t, dir, cfg)
	require.NoError(t, w2.AddDocument(textDoc("b", "appended")))
	require.NoError(t, w2.Commit(context.Background()))

	snap, err := w2.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a", "b"}, liveKeys(snap))
}

func TestManifestPointsAtLatestGen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "one")))
	require.NoError(t, w.Commit(context.Background()))
	require.NoError(t, w.AddDocument(textDoc("b", "two")))
	require.NoError(t, w.Commit(context.Background()))

	m, err := loadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Gen)

	_, err = os.Stat(filepath.Join(dir, manifestName(2)))
	require.NoError(t, err)
}

func TestMergePolicyBoundsSegmentCount(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Merge.MaxSegments = 2
	cfg.Merge.MergeFactor = 2
	w := newTestWriter(t, dir, cfg)

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, w.AddDocument(textDoc(key, "doc "+key)))
		require.NoError(t, w.Commit(context.Background()))
	}

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.LessOrEqual(t, len(snap.Segments()), 3)
	assert.Equal(t, []string{"a", "b", "c", "d"}, liveKeys(snap))
}

func TestMergePolicyReclaimsTombstones(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Merge.TombstoneRatio = 0.2
	w := newTestWriter(t, dir, cfg)

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, w.AddDocument(textDoc(key, "doc "+key)))
	}
	require.NoError(t, w.Commit(context.Background()))

	require.NoError(t, w.DeleteDocuments("b", "c", "d"))
	require.NoError(t, w.Commit(context.Background()))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, []string{"a"}, liveKeys(snap))
	st := snap.Stats()
	assert.Equal(t, uint64(0), st.Tombstones, "high-tombstone segment should be rewritten")
}

func TestReaderReopenReusesUnchangedSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)

	require.NoError(t, w.AddDocument(textDoc("a", "stable segment")))
	require.NoError(t, w.Commit(context.Background()))

	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()

	before, err := r.Snapshot()
	require.NoError(t, err)
	defer before.Close()
	require.Len(t, before.Segments(), 1)
	stable := before.Segments()[0]

	require.NoError(t, w.AddDocument(textDoc("b", "new segment")))
	require.NoError(t, w.Commit(context.Background()))

	require.NoError(t, r.Reopen())
	after, err := r.Snapshot()
	require.NoError(t, err)
	defer after.Close()

	require.Len(t, after.Segments(), 2)
	assert.Same(t, stable, after.Segments()[0], "untouched segment should be reused, not reopened")
	assert.Equal(t, []string{"a", "b"}, liveKeys(after))
}

func TestReaderReopenNoChangeIsNoop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	w := newTestWriter(t, dir, cfg)
	require.NoError(t, w.AddDocument(textDoc("a", "only commit")))
	require.NoError(t, w.Commit(context.Background()))

	r, err := OpenReader(dir, cfg, testLogger())
	require.NoError(t, err)
	defer r.Close()

	snap1, err := r.Snapshot()
	require.NoError(t, err)
	defer snap1.Close()

	require.NoError(t, r.Reopen())
	snap2, err := r.Snapshot()
	require.NoError(t, err)
	defer snap2.Close()
	assert.Equal(t, snap1.Gen, snap2.Gen)
}
