package cmd

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fathom-search/fathom/internal/embed"
	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/output"
	"github.com/fathom-search/fathom/internal/query"
)

func newSearchCmd() *cobra.Command {
	var (
		field   string
		limit   int
		knn     int
		lexOnly bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search parses the query string and runs it against the index. Bare
terms match the default field; clauses support +must, -must_not,
field:term, prefix*, and [lo TO hi] numeric ranges. Unless --lexical is
given, a vector leg built from the query terms is fused into the
ranking when the index carries embeddings.`,
		Args: exactArgs(1, "a query string"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd.OutOrStdout(), args[0], field, limit, knn, lexOnly)
		},
	}

	cmd.Flags().StringVarP(&field, "field", "f", "body", "Default field for bare terms")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().IntVar(&knn, "knn", 0, "Vector neighbors to fuse in (0 uses the result limit)")
	cmd.Flags().BoolVar(&lexOnly, "lexical", false, "Skip the vector leg, rank by BM25 only")
	return cmd
}

func runSearch(ctx context.Context, w io.Writer, input, field string, limit, knn int, lexOnly bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := query.Parse(field, input)
	if err != nil {
		return err
	}

	reader, err := index.OpenReader(indexDir, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer reader.Close()

	snap, err := reader.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	searcher := query.NewSearcher(snap, cfg)

	var hits []query.Hit
	if lexOnly || cfg.Vectors.Dimensions <= 0 {
		hits, err = searcher.Search(ctx, q, limit)
	} else {
		embedder := embed.NewHashEmbedder(cfg.Vectors.Dimensions)
		hits, err = searcher.SearchHybrid(ctx, q, embedder, limit, query.HybridOptions{K: knn})
	}
	if err != nil {
		return err
	}

	output.New(w).Results(hits)
	return nil
}
