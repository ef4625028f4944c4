// Package ingest turns a file tree into indexed documents: a glob-aware
// walker that streams file entries lazily, and a concurrent pipeline
// that analyzes, embeds, and feeds them to the index writer.
package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fathom-search/fathom/internal/config"
	ferrors "github.com/fathom-search/fathom/internal/errors"
)

// FileEntry is one file produced by the walker. Content is not loaded
// here; the pipeline reads it when the entry is processed.
type FileEntry struct {
	Path    string // absolute path
	RelPath string // slash-separated path relative to the walk root
	Size    int64
	ModTime time.Time
}

// Walker streams files under a root directory, filtered by doublestar
// include and exclude globs matched against the relative path.
type Walker struct {
	root    string
	include []string
	exclude []string
	maxSize int64
	skipped atomic.Int64
}

// NewWalker creates a walker for root using the ingest configuration.
// An empty include list means everything.
func NewWalker(root string, cfg *config.IngestConfig) *Walker {
	return &Walker{
		root:    root,
		include: cfg.Include,
		exclude: cfg.Exclude,
		maxSize: cfg.MaxFileSize,
	}
}

// Walk sends matching entries on the returned channel in directory
// order. The channel closes when the walk finishes; the error channel
// delivers at most one terminal error. Cancelling ctx stops the walk.
func (w *Walker) Walk(ctx context.Context) (<-chan FileEntry, <-chan error) {
	entries := make(chan FileEntry)
	errc := make(chan error, 1)

	go func() {
		defer close(entries)
		defer close(errc)

		root, err := filepath.Abs(w.root)
		if err != nil {
			errc <- ferrors.New(ferrors.ErrCodeSourceNotFound, "resolving source path", err)
			return
		}
		if _, err := os.Stat(root); err != nil {
			errc <- ferrors.New(ferrors.ErrCodeSourceNotFound, "source path unreadable: "+w.root, err)
			return
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// Unreadable subtrees are skipped, not fatal.
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				if rel != "." && w.excluded(rel) {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.matches(rel) {
				return nil
			}

			info, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			if w.maxSize > 0 && info.Size() > w.maxSize {
				w.skipped.Add(1)
				return nil
			}

			select {
			case entries <- FileEntry{Path: path, RelPath: rel, Size: info.Size(), ModTime: info.ModTime()}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				errc <- ctx.Err()
				return
			}
			errc <- ferrors.IOFailure("walking source tree", err)
		}
	}()

	return entries, errc
}

// Skipped reports how many matching files were passed over for
// exceeding the size limit.
func (w *Walker) Skipped() int64 {
	return w.skipped.Load()
}

func (w *Walker) matches(rel string) bool {
	if w.excluded(rel) {
		return false
	}
	if len(w.include) == 0 {
		return true
	}
	for _, pat := range w.include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func (w *Walker) excluded(rel string) bool {
	for _, pat := range w.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
		// A pattern matching a directory prunes everything below it.
		if ok, _ := doublestar.Match(pat+"/**", rel); ok {
			return true
		}
	}
	return false
}
