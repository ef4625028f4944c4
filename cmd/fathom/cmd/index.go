package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/fathom-search/fathom/internal/embed"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/ingest"
	"github.com/fathom-search/fathom/internal/output"
	"github.com/fathom-search/fathom/internal/watch"
)

func newIndexCmd() *cobra.Command {
	var (
		create    bool
		noEmbed   bool
		watchMode bool
	)

	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Index a file tree",
		Long: `Index walks the given directory and indexes every matching file into
the index directory. By default it appends to an existing index,
replacing documents whose files changed; --create starts from scratch.
With --watch it keeps running and reindexes files as they change.`,
		Args: exactArgs(1, "a source path"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd.OutOrStdout(), args[0], create, noEmbed, watchMode)
		},
	}

	cmd.Flags().BoolVar(&create, "create", false, "Discard any existing index first")
	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "Skip vector embeddings")
	cmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "Keep watching for file changes")
	return cmd
}

func runIndex(ctx context.Context, w io.Writer, source string, create, noEmbed, watchMode bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := output.New(w)

	if create {
		if err := os.RemoveAll(indexDir); err != nil {
			return ferrors.IOFailure("removing existing index", err)
		}
	}

	writer, err := index.NewWriter(indexDir, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer writer.Close()

	var embedder embed.Embedder
	if !noEmbed && cfg.Vectors.Dimensions > 0 {
		embedder = embed.NewHashEmbedder(cfg.Vectors.Dimensions)
	}

	progress := isatty.IsTerminal(os.Stderr.Fd())
	pipeline := ingest.NewPipeline(writer, embedder, cfg, slog.Default(), progress)

	start := time.Now()
	stats, err := pipeline.Run(ctx, source)
	if err != nil {
		return err
	}
	out.Statusf("indexed %d documents (%d failed) in %s", stats.Indexed, stats.Failed, time.Since(start).Round(time.Millisecond))

	if !watchMode {
		return nil
	}
	return watchLoop(ctx, source, pipeline, out)
}

// watchLoop reindexes changed files until the context is cancelled.
func watchLoop(ctx context.Context, source string, pipeline *ingest.Pipeline, out *output.Writer) error {
	watcher, err := watch.New(source, 500*time.Millisecond, slog.Default())
	if err != nil {
		return ferrors.IOFailure("starting file watcher", err)
	}

	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx) }()
	out.Statusf("watching %s for changes", source)

	for {
		select {
		case batch, ok := <-watcher.Batches():
			if !ok {
				return <-done
			}
			if err := pipeline.Apply(ctx, source, batch); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				slog.Error("watch_reindex_failed", "error", err)
				continue
			}
			out.Statusf("reindexed %d change(s)", len(batch))
		case err := <-done:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
