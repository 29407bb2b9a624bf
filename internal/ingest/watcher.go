package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"marketpipe/internal/domain"
)

// fileState is the watcher's memory of one input file across polls.
type fileState struct {
	size         int64
	modTime      time.Time
	stableSince  time.Time
	enqueuedHash string
}

// Watcher polls the input directory and enqueues a file once it has
// settled: its size and mtime unchanged across consecutive polls for at
// least the debounce window. Editors and exporters that write in several
// bursts therefore produce one task, not one per flush.
type Watcher struct {
	inputDir     string
	pollInterval time.Duration
	debounce     time.Duration
	limiter      *rate.Limiter
	queue        *Queue
	logger       *slog.Logger

	states map[string]*fileState
}

// NewWatcher creates a Watcher feeding the given queue. notifyRate caps
// how many snapshots per second may be hashed and enqueued, so a bulk
// drop of files does not saturate the disk.
func NewWatcher(inputDir string, pollInterval, debounce time.Duration, notifyRate float64, queue *Queue, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		inputDir:     inputDir,
		pollInterval: pollInterval,
		debounce:     debounce,
		limiter:      rate.NewLimiter(rate.Limit(notifyRate), 1),
		queue:        queue,
		logger:       logger.With(slog.String("component", "watcher")),
		states:       make(map[string]*fileState),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.logger.Info("watching input directory",
		slog.String("dir", w.inputDir),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("debounce", w.debounce))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll observes every input file once and enqueues those that settled.
func (w *Watcher) poll(ctx context.Context) {
	entries, err := os.ReadDir(w.inputDir)
	if err != nil {
		w.logger.Warn("poll failed", slog.String("error", err.Error()))
		return
	}

	seen := make(map[string]bool, len(entries))
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		path := filepath.Join(w.inputDir, entry.Name())
		seen[path] = true

		info, err := entry.Info()
		if err != nil {
			continue
		}

		state, ok := w.states[path]
		if !ok || state.size != info.Size() || !state.modTime.Equal(info.ModTime()) {
			w.states[path] = &fileState{
				size:         info.Size(),
				modTime:      info.ModTime(),
				stableSince:  now,
				enqueuedHash: stateHash(state),
			}
			continue
		}

		if now.Sub(state.stableSince) < w.debounce {
			continue
		}
		w.notify(ctx, path, state)
	}

	// Forget files that disappeared so a re-created file settles afresh.
	for path := range w.states {
		if !seen[path] {
			delete(w.states, path)
		}
	}
}

// notify snapshots a settled file and enqueues it unless its content is
// the same snapshot already handed over.
func (w *Watcher) notify(ctx context.Context, path string, state *fileState) {
	if err := w.limiter.Wait(ctx); err != nil {
		return
	}
	file, err := SnapshotFile(path)
	if err != nil {
		w.logger.Warn("snapshot failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	if file.Hash == state.enqueuedHash {
		return
	}
	state.enqueuedHash = file.Hash
	if w.queue.Enqueue(file) {
		w.logger.Info("file settled",
			slog.String("path", path),
			slog.String("kind", string(file.Kind)),
			slog.Int64("size", file.Size))
	}
}

// Sweep enqueues every file currently in the input directory without
// waiting for settle detection. Used for one-shot batch runs.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.inputDir)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, entry := range entries {
		if entry.IsDir() || skipName(entry.Name()) {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return enqueued, err
		}
		path := filepath.Join(w.inputDir, entry.Name())
		file, err := SnapshotFile(path)
		if err != nil {
			w.logger.Warn("snapshot failed", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if w.stillChanging(file) {
			w.logger.Warn("skipping file still being written", slog.String("path", path))
			continue
		}
		if w.queue.Enqueue(file) {
			enqueued++
		}
	}
	w.logger.Info("sweep complete", slog.Int("enqueued", enqueued))
	return enqueued, nil
}

// stillChanging re-stats a snapshotted file and reports whether it grew
// or was touched while being hashed. A file mid-copy at sweep time is
// skipped rather than turned into a spurious failed run.
func (w *Watcher) stillChanging(file domain.RawFile) bool {
	info, err := os.Stat(file.Path)
	if err != nil {
		return true
	}
	return info.Size() != file.Size || !info.ModTime().Equal(file.ModTime)
}

// skipName filters temporary and hidden files: dotfiles, Office lock
// files, and common in-progress download suffixes.
func skipName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
		return true
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tmp", ".part", ".crdownload", ".swp":
		return true
	}
	return false
}

// stateHash carries the last enqueued hash across a state reset.
func stateHash(prev *fileState) string {
	if prev == nil {
		return ""
	}
	return prev.enqueuedHash
}
