package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/fathom-search/fathom/internal/config"
	"github.com/fathom-search/fathom/internal/document"
	"github.com/fathom-search/fathom/internal/embed"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/watch"
)

// Stats counts the outcome of one ingestion run. Per-document failures
// never abort the run; they are tallied here and logged.
type Stats struct {
	Indexed int64
	Failed  int64
	Skipped int64
}

// Pipeline reads files from a walker and indexes them with a bounded
// worker pool. Writer access is already serialized internally, so
// workers call AddDocument directly.
type Pipeline struct {
	writer   *index.Writer
	embedder embed.Embedder
	cfg      *config.Config
	log      *slog.Logger
	progress bool
}

// NewPipeline wires an ingestion pipeline. embedder may be nil to index
// without vectors, and progress enables a terminal progress bar.
func NewPipeline(writer *index.Writer, embedder embed.Embedder, cfg *config.Config, log *slog.Logger, progress bool) *Pipeline {
	return &Pipeline{writer: writer, embedder: embedder, cfg: cfg, log: log, progress: progress}
}

// Run walks root and indexes every matching file, committing at the
// end. The document key is the file's root-relative path.
func (p *Pipeline) Run(ctx context.Context, root string) (Stats, error) {
	var stats Stats

	var bar *progressbar.ProgressBar
	if p.progress {
		bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription("indexing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
	}

	// The walker shares the group's context so a fatal worker error
	// also stops the walk instead of leaving it blocked mid-send.
	g, ctx := errgroup.WithContext(ctx)
	walker := NewWalker(root, &p.cfg.Ingest)
	entries, walkErr := walker.Walk(ctx)

	workers := p.cfg.Ingest.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for entry := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := p.indexFile(ctx, entry); err != nil {
					if ferrors.IsFatal(err) {
						return err
					}
					atomic.AddInt64(&stats.Failed, 1)
					p.log.Warn("document_failed", "path", entry.RelPath, "error", err)
					continue
				}
				atomic.AddInt64(&stats.Indexed, 1)
				if bar != nil {
					_ = bar.Add(1)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}
	if err := <-walkErr; err != nil {
		return stats, err
	}
	stats.Skipped = walker.Skipped()
	if bar != nil {
		_ = bar.Finish()
	}

	if err := p.writer.Commit(ctx); err != nil {
		return stats, err
	}
	p.log.Info("ingestion_done", "indexed", stats.Indexed, "failed", stats.Failed)
	return stats, nil
}

// indexFile builds and buffers one document. Embedding failure degrades
// to a vector-less document rather than failing the file.
func (p *Pipeline) indexFile(ctx context.Context, entry FileEntry) error {
	content, err := os.ReadFile(entry.Path)
	if err != nil {
		return ferrors.Wrap(ferrors.ErrCodeInvalidInput, err)
	}

	doc := document.New(entry.RelPath,
		document.Keyword("path", entry.RelPath),
		document.Text("body", string(content)),
		document.Numeric("size", float64(entry.Size)),
		document.Numeric("mod_time", float64(entry.ModTime.Unix())),
	)

	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, string(content))
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.log.Warn("embedding_unavailable", "path", entry.RelPath, "error", err)
		} else {
			doc.Add(document.Vector("embedding", vec))
		}
	}

	return p.writer.AddDocument(doc)
}

// Apply reindexes the files named by a batch of watch events and
// removes deleted ones, then commits once for the whole batch.
func (p *Pipeline) Apply(ctx context.Context, root string, events []watch.Event) error {
	var deletes []string
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Op == watch.OpDelete {
			deletes = append(deletes, ev.Path)
			continue
		}
		abs := filepath.Join(root, filepath.FromSlash(ev.Path))
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		if p.cfg.Ingest.MaxFileSize > 0 && info.Size() > p.cfg.Ingest.MaxFileSize {
			continue
		}
		entry := FileEntry{Path: abs, RelPath: ev.Path, Size: info.Size(), ModTime: info.ModTime()}
		if err := p.indexFile(ctx, entry); err != nil {
			if ferrors.IsFatal(err) {
				return err
			}
			p.log.Warn("document_failed", "path", ev.Path, "error", err)
		}
	}
	if len(deletes) > 0 {
		if err := p.writer.DeleteDocuments(deletes...); err != nil {
			return err
		}
	}
	return p.writer.Commit(ctx)
}

// Remove deletes documents by their keys and commits.
func (p *Pipeline) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.writer.DeleteDocuments(keys...); err != nil {
		return err
	}
	return p.writer.Commit(ctx)
}
