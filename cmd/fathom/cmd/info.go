package cmd

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fathom-search/fathom/internal/index"
	"github.com/fathom-search/fathom/internal/output"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show index statistics",
		Args:  exactArgs(0, "no arguments"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.OutOrStdout())
		},
	}
}

func runInfo(w io.Writer) error {
	cfg, err := loadConfig()
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

	st := snap.Stats()
	out := output.New(w)
	out.Statusf("index:      %s", indexDir)
	out.Statusf("generation: %d", st.Gen)
	out.Statusf("segments:   %d", st.Segments)
	out.Statusf("live docs:  %d", st.LiveDocs)
	out.Statusf("tombstones: %d", st.Tombstones)
	out.Statusf("vectors:    %d", st.Vectors)
	return nil
}
