package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/embed"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/query"
	"github.com/fathom-search/fathom/internal/segment"
	"github.com/fathom-search/fathom/internal/watch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func collect(t *testing.T, w *Walker) []string {
	t.Helper()
	entries, errc := w.Walk(context.Background())
	var paths []string
	for e := range entries {
		paths = append(paths, e.RelPath)
	}
	require.NoError(t, <-errc)
	sort.Strings(paths)
	return paths
}

func TestWalkerIncludeExclude(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.go":           "package main",
		"docs/readme.md":    "# docs",
		"vendor/dep/dep.go": "package dep",
		"notes.txt":         "notes",
	})

	cfg := &config.IngestConfig{
		Include: []string{"**/*.go", "**/*.md"},
		Exclude: []string{"vendor"},
	}
	assert.Equal(t, []string{"docs/readme.md", "main.go"}, collect(t, NewWalker(root, cfg)))

	// No includes means everything not excluded.
	cfg = &config.IngestConfig{Exclude: []string{"**/*.txt"}}
	assert.Equal(t, []string{"docs/readme.md", "main.go", "vendor/dep/dep.go"}, collect(t, NewWalker(root, cfg)))
}

func TestWalkerMaxFileSize(t *testing.T) {
	root := writeTree(t, map[string]string{
		"small.txt": "tiny",
		"big.txt":   string(make([]byte, 2048)),
	})

	cfg := &config.IngestConfig{MaxFileSize: 1024}
	assert.Equal(t, []string{"small.txt"}, collect(t, NewWalker(root, cfg)))
}

func TestWalkerMissingRoot(t *testing.T) {
	w := NewWalker(filepath.Join(t.TempDir(), "nope"), &config.IngestConfig{})
	entries, errc := w.Walk(context.Background())
	for range entries {
	}
	err := <-errc
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeSourceNotFound, ferrors.GetCode(err))
}

func TestWalkerStopsOnCancel(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 16; i++ {
		files[string(rune('a'+i))+".txt"] = "content"
	}
	root := writeTree(t, files)

	ctx, cancel := context.WithCancel(context.Background())
	entries, errc := NewWalker(root, &config.IngestConfig{}).Walk(ctx)

	// Consume one entry, then stop as a failed consumer would.
	<-entries
	cancel()

	// The walker must unblock and close its channels.
	for range entries {
	}
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestWalkerCountsSkippedFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"small.txt": "tiny",
		"big.txt":   string(make([]byte, 2048)),
		"huge.txt":  string(make([]byte, 4096)),
	})

	w := NewWalker(root, &config.IngestConfig{MaxFileSize: 1024})
	assert.Equal(t, []string{"small.txt"}, collect(t, w))
	assert.Equal(t, int64(2), w.Skipped())
}

func TestPipelineIndexesTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt":     "the red car",
		"sub/b.txt": "the blue bicycle",
	})

	cfg := config.Default()
	cfg.Vectors.Dimensions = 8
	indexDir := t.TempDir()
	w, err := index.NewWriter(indexDir, cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	p := NewPipeline(w, embed.NewHashEmbedder(8), cfg, testLogger(), false)
	stats, err := p.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Indexed)
	assert.Equal(t, int64(0), stats.Failed)

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	s := query.NewSearcher(snap, cfg)
	hits, err := s.Search(context.Background(), &query.Term{Field: "body", Value: "bicycle"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sub/b.txt", hits[0].Key)

	// Path keyword field is queryable too.
	hits, err = s.Search(context.Background(), &query.Term{Field: "path", Value: "a.txt"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	st := snap.Stats()
	assert.Equal(t, 2, st.Vectors, "every document should carry a vector")
}

func TestPipelineFatalErrorAbortsRun(t *testing.T) {
	files := make(map[string]string)
	for i := 0; i < 8; i++ {
		files[string(rune('a'+i))+".txt"] = "content"
	}
	root := writeTree(t, files)

	cfg := config.Default()
	cfg.Ingest.Workers = 1
	cfg.Writer.MaxBufferedDocs = 1
	indexDir := t.TempDir()
	w, err := index.NewWriter(indexDir, cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	// A file squatting on the first segment's temp path makes every
	// flush fail, which is fatal for the run.
	blocker := filepath.Join(indexDir, segment.DirName(1)+".tmp")
	require.NoError(t, os.WriteFile(blocker, []byte("in the way"), 0o644))

	p := NewPipeline(w, nil, cfg, testLogger(), false)
	_, err = p.Run(context.Background(), root)
	require.Error(t, err)
	assert.Equal(t, ferrors.ErrCodeIOFailure, ferrors.GetCode(err))
}

func TestPipelineCountsSkippedFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"ok.txt":  "small enough",
		"big.txt": string(make([]byte, 4096)),
	})

	cfg := config.Default()
	cfg.Ingest.MaxFileSize = 1024
	w, err := index.NewWriter(t.TempDir(), cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	p := NewPipeline(w, nil, cfg, testLogger(), false)
	stats, err := p.Run(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Indexed)
	assert.Equal(t, int64(1), stats.Skipped)
}

func TestPipelineReindexUpdatesInPlace(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "first version"})

	cfg := config.Default()
	w, err := index.NewWriter(t.TempDir(), cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	p := NewPipeline(w, nil, cfg, testLogger(), false)
	_, err = p.Run(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("second version"), 0o644))
	_, err = p.Run(context.Background(), root)
	require.NoError(t, err)

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(1), snap.NumDocs())

	s := query.NewSearcher(snap, cfg)
	hits, err := s.Search(context.Background(), &query.Term{Field: "body", Value: "second"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestPipelineRemove(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "doomed"})

	cfg := config.Default()
	w, err := index.NewWriter(t.TempDir(), cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	p := NewPipeline(w, nil, cfg, testLogger(), false)
	_, err = p.Run(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, p.Remove(context.Background(), "a.txt"))

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(0), snap.NumDocs())
}

func TestPipelineApplyWatchBatch(t *testing.T) {
	root := writeTree(t, map[string]string{
		"keep.txt":   "stays put",
		"change.txt": "old content",
		"gone.txt":   "will be deleted",
	})

	cfg := config.Default()
	w, err := index.NewWriter(t.TempDir(), cfg, testLogger())
	require.NoError(t, err)
	defer w.Close()

	p := NewPipeline(w, nil, cfg, testLogger(), false)
	_, err = p.Run(context.Background(), root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "change.txt"), []byte("new content"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fresh.txt"), []byte("brand new"), 0o644))

	err = p.Apply(context.Background(), root, []watch.Event{
		{Path: "change.txt", Op: watch.OpModify},
		{Path: "gone.txt", Op: watch.OpDelete},
		{Path: "fresh.txt", Op: watch.OpCreate},
	})
	require.NoError(t, err)

	snap, err := w.Snapshot()
	require.NoError(t, err)
	defer snap.Close()
	assert.Equal(t, uint64(3), snap.NumDocs())

	s := query.NewSearcher(snap, cfg)
	hits, err := s.Search(context.Background(), &query.Term{Field: "body", Value: "new"}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"change.txt", "fresh.txt"}, func() []string {
		keys := make([]string, len(hits))
		for i, h := range hits {
			keys[i] = h.Key
		}
		return keys
	}())
}
