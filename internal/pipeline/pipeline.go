// Package pipeline merges normalized tables into the accumulated dataset
// and publishes the result as a new version.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"marketpipe/internal/domain"
	"marketpipe/internal/metrics"
	"marketpipe/internal/store"
)

// Publisher is the slice of the store the pipeline needs.
type Publisher interface {
	LoadLatestTable() (*domain.CanonicalTable, error)
	Publish(table *domain.CanonicalTable, snaps []domain.MetricSnapshot, manifest store.Manifest) (string, error)
}

// Pipeline runs the merge, compute, publish sequence for one normalized
// file. The sequence is serialized internally: two workers finishing at
// the same time publish one after the other, each version built on the
// previous one.
type Pipeline struct {
	publisher Publisher
	engine    *metrics.Engine
	rules     domain.LabelRuleSet
	policy    MergePolicy
	logger    *slog.Logger

	mu sync.Mutex
}

// New creates a Pipeline.
func New(publisher Publisher, engine *metrics.Engine, rules domain.LabelRuleSet, policy MergePolicy, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		publisher: publisher,
		engine:    engine,
		rules:     rules,
		policy:    policy,
		logger:    logger.With(slog.String("component", "pipeline")),
	}
}

// Run merges the incoming table into the latest published dataset,
// recomputes metrics over the merged whole, and publishes a new version.
// It returns the published version id.
func (p *Pipeline) Run(ctx context.Context, file domain.RawFile, incoming *domain.CanonicalTable) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	existing, err := p.publisher.LoadLatestTable()
	if err != nil {
		return "", err
	}

	merged, collisions := Merge(existing, incoming, p.policy)
	snaps := p.engine.Compute(merged, p.rules)

	id, err := p.publisher.Publish(merged, snaps, store.Manifest{
		SourcePath: file.Path,
		SourceHash: file.Hash,
		Collisions: collisions,
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("merged and published",
		slog.String("source", file.Path),
		slog.String("version", id),
		slog.Int("incoming_rows", incoming.Len()),
		slog.Int("total_rows", merged.Len()),
		slog.Int("collisions", collisions))
	return id, nil
}
