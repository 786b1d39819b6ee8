package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Sternrassler/scm-target-importer/pkg/config"
	"github.com/Sternrassler/scm-target-importer/pkg/importer"
	"github.com/Sternrassler/scm-target-importer/pkg/metrics"
	"github.com/spf13/cobra"
)

// failureSummaryFile is written into the journal directory after every run.
const failureSummaryFile = "failure-summary.txt"

type importOptions struct {
	*globalOptions
	file        string
	concurrency int
	batchSize   int
	metricsAddr string
	journalDir  string
}

func newImportCmd(global *globalOptions) *cobra.Command {
	opts := &importOptions{globalOptions: global}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import every target listed in a JSON file.",
		Long: `Reads {"targets": [...]} from --file and imports the targets in batches.
Targets already recorded in the journal are skipped, so a run that stopped
early can simply be started again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadImportConfig(cmd, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runImport(ctx, cfg, opts.file, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "JSON file listing the targets to import")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "submissions in flight per batch")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "targets per batch")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().StringVar(&opts.journalDir, "journal-dir", "", "directory for journal files and the failure summary")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// loadImportConfig layers explicitly set flags over the loaded configuration.
func loadImportConfig(cmd *cobra.Command, opts *importOptions) (*config.Config, error) {
	envFile := opts.envFile
	if !cmd.Flags().Changed("env-file") {
		// the default .env is optional
		if _, err := os.Stat(envFile); errors.Is(err, fs.ErrNotExist) {
			envFile = ""
		}
	}

	cfg, err := config.Load(opts.configFile, envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Concurrency = opts.concurrency
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = opts.batchSize
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.metricsAddr
	}
	if flags.Changed("journal-dir") {
		cfg.JournalDir = opts.journalDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runImport(ctx context.Context, cfg *config.Config, file string, out io.Writer) error {
	logger := setupLogging(cfg)

	if cfg.MetricsAddr != "" {
		shutdown := metrics.Serve(cfg.MetricsAddr)
		defer shutdown()
	}

	a, cleanup, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	res, runErr := a.orchestrator.ImportFile(ctx, file)

	var inputErr *importer.InputError
	if errors.As(runErr, &inputErr) {
		logger.Error().Err(runErr).Str("file", file).Msg("Cannot read import list")
		return runErr
	}

	if res != nil {
		if err := writeSummary(cfg.JournalDir, out, res); err != nil {
			logger.Warn().Err(err).Msg("Failed to write failure summary")
		}
	}

	var fatal *importer.FatalTransportError
	switch {
	case errors.As(runErr, &fatal):
		logger.Error().Err(runErr).Int("batch", fatal.Batch).Msg("Import aborted")
	case runErr != nil:
		logger.Error().Err(runErr).Msg("Import stopped")
	}
	return runErr
}

// writeSummary prints the failure summary to out and stores a copy next to
// the journal.
func writeSummary(dir string, out io.Writer, res *importer.Result) error {
	if err := importer.WriteFailureSummary(out, res); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, failureSummaryFile))
	if err != nil {
		return err
	}
	if err := importer.WriteFailureSummary(f, res); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
