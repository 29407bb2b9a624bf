// Command marketpipe ingests market data files from an input directory,
// normalizes them into a canonical table, computes ranking metrics, and
// publishes versioned datasets.
//
// It runs in one of two modes:
//
//	batch (default): process every file currently in the input directory,
//	then exit.
//	watch (-watch):  poll the input directory and process files as they
//	settle, until interrupted.
//
// Exit codes: 0 all processed files succeeded, 1 at least one file
// failed, 2 configuration or startup error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"marketpipe/internal/config"
	"marketpipe/internal/coordinator"
	"marketpipe/internal/infrastructure"
	"marketpipe/internal/ingest"
	"marketpipe/internal/metrics"
	"marketpipe/internal/normalizer"
	"marketpipe/internal/pipeline"
	"marketpipe/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	inDir := flag.String("in", "", "input directory (overrides config)")
	outDir := flag.String("out", "", "output directory (overrides config)")
	watch := flag.Bool("watch", false, "watch the input directory instead of a one-shot batch run")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 2
	}
	if *inDir != "" {
		cfg.Paths.InputDir = *inDir
	}
	if *outDir != "" {
		cfg.Paths.OutputDir = *outDir
	}

	logger, closeLog, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 2
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.Paths.InputDir, 0755); err != nil {
		logger.Error("create input directory failed", slog.String("error", err.Error()))
		return 2
	}
	if err := os.MkdirAll(cfg.Paths.OutputDir, 0755); err != nil {
		logger.Error("create output directory failed", slog.String("error", err.Error()))
		return 2
	}

	var audit store.AuditLog = store.NoopAudit{}
	if cfg.Paths.AuditDBPath != "" {
		sqliteAudit, err := store.NewSQLiteAudit(cfg.Paths.AuditDBPath, logger)
		if err != nil {
			logger.Error("audit database error", slog.String("error", err.Error()))
			return 2
		}
		audit = sqliteAudit
	}
	defer audit.Close()

	versioner := store.NewVersioner(cfg.Paths.OutputDir, cfg.Retention.Versions, logger)
	engine := metrics.NewEngine(cfg.Pipeline.MomentumWindow)
	norm := normalizer.New(cfg.Aliases(), cfg.Pipeline.HeaderScanRows, logger)
	pipe := pipeline.New(versioner, engine, cfg.LabelRules, pipeline.MergePolicy(cfg.Pipeline.MergePolicy), logger)
	queue := ingest.NewQueue(cfg.Watch.QueueCapacity, logger)
	watcher := ingest.NewWatcher(cfg.Paths.InputDir, cfg.PollInterval(), cfg.Debounce(), cfg.Watch.NotifyRate, queue, logger)
	coord := coordinator.New(queue, norm, pipe, audit,
		cfg.Pipeline.WorkerCount, cfg.Pipeline.RetryMax, cfg.RetryBackoff(), cfg.ShutdownGrace(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		return runWatch(ctx, cfg, logger, watcher, queue, coord, versioner)
	}
	return runBatch(ctx, logger, watcher, queue, coord, versioner)
}

// runBatch sweeps the input directory once, drains the queue, prunes old
// versions, and reports via the exit code.
func runBatch(ctx context.Context, logger *slog.Logger, watcher *ingest.Watcher,
	queue *ingest.Queue, coord *coordinator.Coordinator, versioner *store.Versioner) int {

	if _, err := watcher.Sweep(ctx); err != nil {
		logger.Error("sweep failed", slog.String("error", err.Error()))
		return 2
	}
	queue.Close()

	if err := coord.Run(ctx); err != nil {
		logger.Error("coordinator error", slog.String("error", err.Error()))
		return 1
	}
	if _, err := versioner.Prune(); err != nil {
		logger.Warn("prune failed", slog.String("error", err.Error()))
	}
	return exitCode(logger, coord.Stats())
}

// runWatch runs the watcher, the worker pool, and the scheduled retention
// sweep until the context is cancelled.
func runWatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, watcher *ingest.Watcher,
	queue *ingest.Queue, coord *coordinator.Coordinator, versioner *store.Versioner) int {

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(cfg.Retention.SweepCron, func() {
		if _, err := versioner.Prune(); err != nil {
			logger.Warn("scheduled prune failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		logger.Error("invalid retention schedule", slog.String("error", err.Error()))
		return 2
	}
	scheduler.Start()
	defer scheduler.Stop()

	g := new(errgroup.Group)
	g.Go(func() error {
		err := watcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return coord.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("watch run error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("shutdown complete")
	return exitCode(logger, coord.Stats())
}

func exitCode(logger *slog.Logger, stats coordinator.Stats) int {
	logger.Info("run summary",
		slog.Int64("succeeded", stats.Succeeded),
		slog.Int64("failed", stats.Failed),
		slog.Int64("interrupted", stats.Interrupted))
	if stats.Failed > 0 {
		return 1
	}
	return 0
}
