// Package cmd provides the CLI commands for fathom.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fathom-search/fathom/internal/config"
	ferrors "github.com/fathom-search/fathom/internal/errors"
	"github.com/fathom-search/fathom/internal/logging"
	"github.com/fathom-search/fathom/pkg/version"
)

// Exit codes for scripted callers.
const (
	ExitOK            = 0
	ExitError         = 1
	ExitBadArgs       = 2
	ExitSourceMissing = 3
	ExitCorruptIndex  = 4
	ExitStorage       = 5
)

var (
	configPath     string
	indexDir       string
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd creates the root command for the fathom CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fathom",
		Short: "Embedded text and vector search engine",
		Long: `Fathom indexes file trees into an embedded, crash-safe search index
and answers boolean, range, and hybrid lexical+vector queries over it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("fathom version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to fathom.yaml (defaults apply if missing)")
	cmd.PersistentFlags().StringVarP(&indexDir, "index", "i", ".fathom", "Index directory")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupLogging
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newInfoCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

// ExitCode maps an error to the documented process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch ferrors.GetCode(err) {
	case ferrors.ErrCodeInvalidInput, ferrors.ErrCodeQuerySyntax,
		ferrors.ErrCodeConfigInvalid, ferrors.ErrCodeDimensionMismatch:
		return ExitBadArgs
	case ferrors.ErrCodeSourceNotFound:
		return ExitSourceMissing
	case ferrors.ErrCodeCorruptIndex, ferrors.ErrCodeCorruptSegment, ferrors.ErrCodeNoCommit:
		return ExitCorruptIndex
	case ferrors.ErrCodeIOFailure, ferrors.ErrCodeIndexLocked:
		return ExitStorage
	default:
		return ExitError
	}
}

func setupLogging(*cobra.Command, []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	// Keep command output clean; logs go to the file unless debugging.
	logCfg.WriteToStderr = debugMode
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		// Logging must never block the actual work.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		cleanup = func() {}
	}
	slog.SetDefault(logger)
	loggingCleanup = cleanup
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		if _, err := os.Stat("fathom.yaml"); err == nil {
			configPath = "fathom.yaml"
		}
	}
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func exactArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return ferrors.Newf(ferrors.ErrCodeInvalidInput, "expected %s, got %d argument(s)", what, len(args))
		}
		return nil
	}
}
