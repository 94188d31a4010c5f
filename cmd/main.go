package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"printrestore/internal/app"
	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/logger"
	"printrestore/internal/recovery"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "printrestore",
	Short: "Checkpoint a running 3D print and resume it after a power loss",
	Long: `A companion for a 3D-printer host that periodically checkpoints the active print job
(file offset, temperatures, position) and replays a recovery sequence to resume it after a failure.`,
	RunE: runServe,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the stored checkpoint and the recovery sequence it would replay",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

var discardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Delete the stored checkpoint",
	Args:  cobra.NoArgs,
	RunE:  runDiscard,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded restore attempts",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Checkpoint flags
	rootCmd.PersistentFlags().String("checkpoint-dir", ".", "Directory holding the checkpoint file")
	rootCmd.PersistentFlags().String("checkpoint-file", "print_restore.json", "Checkpoint file name")
	rootCmd.PersistentFlags().String("journal", "./print_restore.db", "Restore journal database file")
	rootCmd.PersistentFlags().String("settings-file", "./print_restore_settings.yaml", "Persisted recovery settings file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	// Host flags
	rootCmd.Flags().String("nats-url", "nats://localhost:4222", "NATS URL of the printer host bus")
	rootCmd.Flags().String("subject-prefix", "printrestore.printer0", "Subject prefix for this printer")
	rootCmd.Flags().String("files-source", config.FilesFromHost, "Where job files are resolved (host/local/s3)")
	rootCmd.Flags().String("files-dir", "./uploads", "Job file directory for the local source")
	rootCmd.Flags().String("listen", ":8080", "HTTP listen address")

	historyCmd.Flags().Int("limit", 20, "Maximum attempts to list")

	rootCmd.AddCommand(inspectCmd, discardCmd, historyCmd)
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	companion, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create companion: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	err = companion.Run(ctx)

	if closeErr := companion.Close(); closeErr != nil {
		log.Error("Error closing companion", zap.Error(closeErr))
	}

	return err
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	store, err := checkpoint.NewFileStore(cfg.CheckpointPath())
	if err != nil {
		return err
	}

	cp, err := store.Read()
	if errors.Is(err, checkpoint.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No checkpoint at %s\n", store.Path())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var modTime time.Time
	if info, err := os.Stat(store.Path()); err == nil {
		modTime = info.ModTime()
	}

	out := cmd.OutOrStdout()
	if err := app.DescribeCheckpoint(out, cp, modTime); err != nil {
		return err
	}

	// Plan has no side effects, so no host is needed to preview it
	seq := recovery.NewSequencer(nil, nil, cfg.Sequence, zap.NewNop())
	steps, err := seq.Plan(cp, "preview")
	if err != nil {
		// DescribeCheckpoint already printed why
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, recovery.RenderPlan(steps))
	return nil
}

func runDiscard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	store, err := checkpoint.NewFileStore(cfg.CheckpointPath())
	if err != nil {
		return err
	}
	if !store.Exists() {
		fmt.Fprintf(cmd.OutOrStdout(), "No checkpoint at %s\n", store.Path())
		return nil
	}
	if err := store.Delete(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), recovery.StatusDiscarded.Message())
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}

	journal, err := checkpoint.NewSQLiteJournal(cfg.Checkpoint.Journal)
	if err != nil {
		return fmt.Errorf("failed to open restore journal: %w", err)
	}
	defer journal.Close()

	attempts, err := journal.ListAttempts(limit)
	if err != nil {
		return fmt.Errorf("failed to list restore attempts: %w", err)
	}
	return app.WriteHistory(cmd.OutOrStdout(), attempts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
