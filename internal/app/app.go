package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"printrestore/internal/api"
	"printrestore/internal/checkpoint"
	"printrestore/internal/config"
	"printrestore/internal/gcode"
	"printrestore/internal/hostbus"
	"printrestore/internal/metrics"
	"printrestore/internal/printer"
	"printrestore/internal/recovery"
	"printrestore/internal/storage"

	"go.uber.org/zap"
)

// Companion is the running print-recovery service
type Companion struct {
	cfg     *config.Config
	logger  *zap.Logger
	bus     *hostbus.Bus
	journal *checkpoint.SQLiteJournal
	metrics *metrics.Collector
	manager *recovery.Manager
	server  *http.Server
}

// New wires every component from cfg
func New(cfg *config.Config, logger *zap.Logger) (*Companion, error) {
	// Create checkpoint store
	store, err := checkpoint.NewFileStore(cfg.CheckpointPath())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	// Create restore journal
	journal, err := checkpoint.NewSQLiteJournal(cfg.Checkpoint.Journal)
	if err != nil {
		return nil, fmt.Errorf("failed to open restore journal: %w", err)
	}

	// Connect to the printer host
	bus, err := hostbus.Connect(cfg.Host, logger)
	if err != nil {
		journal.Close()
		return nil, err
	}

	files, err := newResolver(cfg, bus)
	if err != nil {
		bus.Close()
		journal.Close()
		return nil, err
	}

	metricsCollector := metrics.New()

	manager, err := recovery.NewManager(recovery.Deps{
		Host:          bus,
		Store:         store,
		Journal:       journal,
		Settings:      config.NewFileSettingsStore(cfg.Checkpoint.SettingsFile, cfg.Recovery),
		Observer:      gcode.NewObserver(cfg.Firmware.BabystepVariants),
		Sequencer:     recovery.NewSequencer(bus, files, cfg.Sequence, logger),
		Metrics:       metricsCollector,
		NewTicker:     recovery.NewCronTickerFactory(logger),
		SettleTimeout: cfg.Sequence.SettleTimeout(),
		ReplayTimeout: cfg.Sequence.CommandTimeout(),
	}, logger)
	if err != nil {
		bus.Close()
		journal.Close()
		return nil, err
	}

	return &Companion{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		journal: journal,
		metrics: metricsCollector,
		manager: manager,
		server: &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           api.NewRouter(manager, metricsCollector.Handler(), logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// newResolver picks where job files are found on resume
func newResolver(cfg *config.Config, bus *hostbus.Bus) (printer.FileResolver, error) {
	switch cfg.Files.Source {
	case config.FilesFromLocal:
		r, err := storage.NewLocalResolver(cfg.Files.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local resolver: %w", err)
		}
		return r, nil
	case config.FilesFromS3:
		r, err := storage.NewS3Resolver(storage.Config{
			Endpoint:  cfg.Files.S3.Endpoint,
			AccessKey: cfg.Files.S3.AccessKey,
			SecretKey: cfg.Files.S3.SecretKey,
			Secure:    cfg.Files.S3.Secure,
			Bucket:    cfg.Files.S3.Bucket,
			SpoolDir:  cfg.Files.S3.SpoolDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 resolver: %w", err)
		}
		return r, nil
	default:
		return bus, nil
	}
}

// Run subscribes to the host and serves HTTP until ctx is cancelled
func (c *Companion) Run(ctx context.Context) error {
	settings := c.manager.Settings()
	c.logger.Info("Starting print recovery companion",
		zap.String("checkpoint", c.cfg.CheckpointPath()),
		zap.String("nats_url", c.cfg.Host.NatsURL),
		zap.String("subject_prefix", c.cfg.Host.SubjectPrefix),
		zap.String("files_source", c.cfg.Files.Source),
		zap.String("listen", c.cfg.HTTP.Listen),
		zap.Bool("enabled", settings.Enabled),
		zap.Bool("auto_restore", settings.AutoRestore),
		zap.Int("interval_seconds", settings.IntervalSeconds),
	)

	if err := c.bus.Subscribe(c.manager); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	c.logger.Info("Companion stopped")
	return nil
}

// Close cleans up resources
func (c *Companion) Close() error {
	c.manager.Close()

	var errs []error
	if c.bus != nil {
		errs = append(errs, c.bus.Close())
	}
	if c.journal != nil {
		errs = append(errs, c.journal.Close())
	}
	return errors.Join(errs...)
}
