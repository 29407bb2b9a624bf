// Package coordinator runs the worker pool that drives tasks from the
// ingest queue through normalization, merge, and publish.
package coordinator

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
	"marketpipe/internal/ingest"
	"marketpipe/internal/normalizer"
	"marketpipe/internal/pipeline"
	"marketpipe/internal/store"
)

// Stats counts task outcomes across a coordinator's lifetime.
type Stats struct {
	Succeeded   int64
	Failed      int64
	Interrupted int64
}

// Coordinator owns the worker pool. One file is processed end to end by
// one worker; per-path mutual exclusion is enforced by the queue.
type Coordinator struct {
	queue        *ingest.Queue
	normalizer   *normalizer.Normalizer
	pipeline     *pipeline.Pipeline
	audit        store.AuditLog
	workers      int
	retryMax     int
	retryBackoff time.Duration
	grace        time.Duration
	logger       *slog.Logger

	succeeded   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
}

// New creates a Coordinator.
func New(queue *ingest.Queue, n *normalizer.Normalizer, p *pipeline.Pipeline, audit store.AuditLog,
	workers, retryMax int, retryBackoff, grace time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if audit == nil {
		audit = store.NoopAudit{}
	}
	return &Coordinator{
		queue:        queue,
		normalizer:   n,
		pipeline:     p,
		audit:        audit,
		workers:      workers,
		retryMax:     retryMax,
		retryBackoff: retryBackoff,
		grace:        grace,
		logger:       logger.With(slog.String("component", "coordinator")),
	}
}

// Run starts the workers and blocks until the queue is closed and
// drained. Cancelling ctx closes the queue; tasks already in flight get
// the shutdown grace period to finish, while backlog tasks that had not
// started are recorded as interrupted without being processed, so total
// shutdown time is bounded by the grace period rather than queue depth.
func (c *Coordinator) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.queue.Close)
	defer stop()

	g := new(errgroup.Group)
	for i := 0; i < c.workers; i++ {
		worker := i
		g.Go(func() error {
			c.workerLoop(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) workerLoop(ctx context.Context, worker int) {
	log := c.logger.With(slog.Int("worker", worker))
	for {
		task, ok := c.queue.Dequeue()
		if !ok {
			log.Debug("queue drained, worker exiting")
			return
		}
		var run domain.ProcessingRun
		if ctx.Err() != nil {
			run = c.discard(task)
		} else {
			run = c.process(ctx, task, log)
		}
		c.queue.Done(task, run.Outcome == domain.RunSucceeded)
		c.record(run, log)
	}
}

// discard records a task that was still queued when shutdown began. It
// is never started: nothing is read, normalized, or published for it.
func (c *Coordinator) discard(task ingest.Task) domain.ProcessingRun {
	run := domain.ProcessingRun{
		ID:        uuid.NewString(),
		FilePath:  task.File.Path,
		FileHash:  task.File.Hash,
		StartedAt: time.Now(),
	}
	return c.finish(run, domain.RunInterrupted, context.Canceled)
}

// process drives one task to a terminal outcome. Transient I/O errors are
// retried with linear backoff up to the retry budget; validation and
// schema errors fail immediately.
func (c *Coordinator) process(parent context.Context, task ingest.Task, log *slog.Logger) domain.ProcessingRun {
	ctx, cancel := c.graceContext(parent)
	defer cancel()

	run := domain.ProcessingRun{
		ID:        uuid.NewString(),
		FilePath:  task.File.Path,
		FileHash:  task.File.Hash,
		StartedAt: time.Now(),
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryMax+1; attempt++ {
		run.Attempts = attempt
		if ctx.Err() != nil {
			return c.finish(run, domain.RunInterrupted, ctx.Err())
		}

		versionID, err := c.attempt(ctx, task)
		if err == nil {
			run.VersionID = versionID
			return c.finish(run, domain.RunSucceeded, nil)
		}
		lastErr = err
		if ctx.Err() != nil {
			return c.finish(run, domain.RunInterrupted, err)
		}
		if !apperrors.IsRetryable(err) {
			break
		}

		backoff := time.Duration(attempt) * c.retryBackoff
		log.Warn("attempt failed, retrying",
			slog.String("path", task.File.Path),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return c.finish(run, domain.RunInterrupted, err)
		case <-time.After(backoff):
		}
	}
	return c.finish(run, domain.RunFailed, lastErr)
}

// attempt performs one read, normalize, merge, publish pass.
func (c *Coordinator) attempt(ctx context.Context, task ingest.Task) (string, error) {
	data, err := os.ReadFile(task.File.Path)
	if err != nil {
		return "", apperrors.NewTransientIOError("read input file", err).WithContext("path", task.File.Path)
	}
	table, err := c.normalizer.Normalize(task.File, data)
	if err != nil {
		return "", err
	}
	return c.pipeline.Run(ctx, task.File, table)
}

func (c *Coordinator) finish(run domain.ProcessingRun, outcome domain.RunOutcome, err error) domain.ProcessingRun {
	run.Outcome = outcome
	run.FinishedAt = time.Now()
	if err != nil {
		run.ErrorKind = string(apperrors.TypeOf(err))
		run.ErrorDetail = err.Error()
	}
	switch outcome {
	case domain.RunSucceeded:
		c.succeeded.Add(1)
	case domain.RunInterrupted:
		c.interrupted.Add(1)
	default:
		c.failed.Add(1)
	}
	return run
}

func (c *Coordinator) record(run domain.ProcessingRun, log *slog.Logger) {
	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("path", run.FilePath),
		slog.String("outcome", string(run.Outcome)),
		slog.Int("attempts", run.Attempts),
		slog.Duration("duration", run.Duration()),
	}
	switch run.Outcome {
	case domain.RunSucceeded:
		log.Info("task succeeded", append(attrs, slog.String("version", run.VersionID))...)
	default:
		log.Error("task did not succeed", append(attrs,
			slog.String("error_kind", run.ErrorKind),
			slog.String("error", run.ErrorDetail))...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.audit.Record(ctx, run); err != nil {
		log.Warn("audit record failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}
}

// graceContext returns a context that stays live for the shutdown grace
// period after parent is cancelled, so in-flight work can complete.
func (c *Coordinator) graceContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(c.grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// Stats returns a snapshot of outcome counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Succeeded:   c.succeeded.Load(),
		Failed:      c.failed.Load(),
		Interrupted: c.interrupted.Load(),
	}
}
