// Command pipelinectl runs operator maintenance jobs against the pipeline
// database and blob store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/internal/app"
	"github.com/feichai0017/ingest-pipeline/internal/repository"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "pipelinectl",
	Short:         "Maintenance jobs for the ingest pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var purgeIdempotencyCmd = &cobra.Command{
	Use:   "purge-idempotency",
	Short: "Delete expired idempotency records",
	Args:  cobra.NoArgs,
	RunE:  runPurgeIdempotency,
}

var recoverStalledCmd = &cobra.Command{
	Use:   "recover-stalled",
	Short: "Re-enqueue documents stuck in a working status",
	Long:  `Finds processing documents that have not moved for longer than the stall timeout and puts them back on the queue.`,
	Args:  cobra.NoArgs,
	RunE:  runRecoverStalled,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stored objects of soft-deleted documents",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var (
	stallTimeout time.Duration
	recoverLimit int
	retention    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "Path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	recoverStalledCmd.Flags().DurationVar(&stallTimeout, "older-than", 0, "Stall threshold (defaults to pipeline.stallTimeout)")
	recoverStalledCmd.Flags().IntVar(&recoverLimit, "limit", 100, "Maximum documents to recover")
	cleanupCmd.Flags().DurationVar(&retention, "older-than", 7*24*time.Hour, "Only documents deleted longer ago than this")

	rootCmd.AddCommand(migrateCmd, purgeIdempotencyCmd, recoverStalledCmd, cleanupCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	log, err := logger.NewLogger(
		logger.WithLevel(level),
		logger.WithEncoding("console"),
		logger.WithOutputPaths([]string{"stderr"}),
	)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.Named("pipelinectl"), nil
}

func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.New(cmd.Context(), cfg, log, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()
	// Open applies every pending migration.
	store, err := repository.Open(cmd.Context(), repository.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	}, log)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
	return nil
}

func runPurgeIdempotency(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		n, err := a.PurgeIdempotency(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d idempotency records\n", n)
		return nil
	})
}

func runRecoverStalled(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		olderThan := stallTimeout
		if olderThan <= 0 {
			olderThan = a.Config.Pipeline.StallTimeout
		}
		n, err := a.Tracker.RecoverStalled(cmd.Context(), olderThan, recoverLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued %d stalled documents\n", n)
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app.App) error {
		n, err := a.CleanupDeleted(cmd.Context(), retention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d objects\n", n)
		return nil
	})
}
