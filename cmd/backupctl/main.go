// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// backupctl runs one content-addressed ingest over a directory tree,
// or repeatedly on a cron schedule, and writes the resulting manifests
// and snapshot into a catalog and content store selected by config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/chunkvault/internal/bufpool"
	"github.com/nishisan-dev/chunkvault/internal/catalog"
	"github.com/nishisan-dev/chunkvault/internal/chunker"
	"github.com/nishisan-dev/chunkvault/internal/config"
	"github.com/nishisan-dev/chunkvault/internal/contentstore"
	"github.com/nishisan-dev/chunkvault/internal/hashing"
	"github.com/nishisan-dev/chunkvault/internal/ingest"
	"github.com/nishisan-dev/chunkvault/internal/ingesterr"
	"github.com/nishisan-dev/chunkvault/internal/logging"
	"github.com/nishisan-dev/chunkvault/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "./configs/ingest.yaml", "path to ingest config file")
	rootOverride := flag.String("root", "", "override run.root_path from the config file")
	snapshotName := flag.String("name", "", "override run.snapshot_name from the config file")
	flag.Parse()

	cfg, err := config.LoadIngestConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(2)
	}
	if *rootOverride != "" {
		cfg.Run.RootPath = *rootOverride
	}
	if *snapshotName != "" {
		cfg.Run.SnapshotName = *snapshotName
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if cfg.Cron.Schedule != "" {
		runScheduled(cfg, logger)
		return
	}

	summary, err := runOnce(context.Background(), cfg, logger)
	os.Exit(exitCode(summary, err))
}

// runOnce wires one set of collaborators and drives a single ingest run
// to completion.
func runOnce(ctx context.Context, cfg *config.IngestConfig, logger *slog.Logger) (ingest.Summary, error) {
	pool := bufpool.New(bufpool.DefaultClasses())

	shutdownTimeout, err := time.ParseDuration(cfg.Pools.ShutdownTimeout)
	if err != nil {
		shutdownTimeout = 30 * time.Second
	}
	manager := workerpool.NewManager(workerpool.ManagerConfig{
		Logger:          logger,
		ShutdownTimeout: shutdownTimeout,
	})
	defer manager.Shutdown()

	store, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("building content store: %w", err)
	}

	cat, closeCat, err := buildCatalog(cfg.Catalog)
	if err != nil {
		return ingest.Summary{}, fmt.Errorf("building catalog: %w", err)
	}
	defer closeCat()

	ch := chunker.New(pool, manager.IO, hashing.New(), store)

	listener := &logListener{logger: logger}
	coord := ingest.New(cat, store, manager, ch, cfg.Run, listener, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchSignals(coord, cancel)

	summary, err := coord.Run(runCtx)
	if err != nil {
		logger.Error("ingest run failed", "error", err)
		return summary, err
	}

	logger.Info("ingest run completed",
		"snapshot_id", summary.SnapshotID,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"errored", summary.Errored,
		"bytes", summary.ProcessedBytes,
		"duration", summary.Duration,
	)
	return summary, nil
}

// runScheduled reuses the teacher's cron.Cron daemon idiom: one job,
// guarded against overlap by cron's SkipIfStillRunning wrapper (each tick
// builds a fresh coordinator, so ErrAlreadyRunning cannot catch it).
func runScheduled(cfg *config.IngestConfig, logger *slog.Logger) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(cfg.Cron.Schedule, func() {
		if _, err := runOnce(context.Background(), cfg, logger); err != nil {
			logger.Error("scheduled ingest run failed", "error", err)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error registering cron schedule %q: %v\n", cfg.Cron.Schedule, err)
		os.Exit(2)
	}

	logger.Info("ingest scheduler started", "schedule", cfg.Cron.Schedule)
	c.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("ingest scheduler stopping")
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

func watchSignals(coord *ingest.Coordinator, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	coord.Cancel()
	cancel()
}

func buildStore(ctx context.Context, cfg config.StoreConfig) (contentstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return contentstore.NewS3Store(ctx, cfg.S3.Bucket, cfg.S3.Prefix)
	default:
		return contentstore.NewLocalStore(cfg.Local.Path)
	}
}

func buildCatalog(cfg config.CatalogConfig) (catalog.Catalog, func(), error) {
	switch cfg.Backend {
	case "memory":
		return catalog.NewMemoryCatalog(), func() {}, nil
	default:
		cat, err := catalog.OpenSQLiteCatalog(cfg.SQLite.Path)
		if err != nil {
			return nil, func() {}, err
		}
		return cat, func() { cat.Close() }, nil
	}
}

// exitCode maps a run outcome onto the process exit codes named in the
// CLI surface: 0 success, 1 partial (some files errored), 2 fatal
// (the run never produced a sealed snapshot).
func exitCode(summary ingest.Summary, err error) int {
	if err != nil {
		return 2
	}
	if summary.Errored > 0 {
		return 1
	}
	return 0
}

// logListener renders ingest progress events through slog rather than
// onto a terminal progress bar, matching how the teacher's non-interactive
// daemon paths log rather than render progress.
type logListener struct {
	logger *slog.Logger
}

func (l *logListener) ScanStarted(root string) {
	l.logger.Info("scan started", "root", root)
}

func (l *logListener) FileProcessed(path string, size int64) {
	l.logger.Debug("file processed", "path", path, "size", size)
}

func (l *logListener) BatchCommitted(n int) {
	l.logger.Debug("batch committed", "count", n)
}

func (l *logListener) Error(path string, kind ingesterr.Kind, message string) {
	l.logger.Warn("ingest error", "path", path, "kind", kind, "message", message)
}

func (l *logListener) Completed(summary ingest.Summary) {
	l.logger.Info("ingest completed", "snapshot_id", summary.SnapshotID, "processed", summary.Processed)
}
