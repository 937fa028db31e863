// Package worker hosts the background maintenance loops that run alongside
// the audit-event consumer: currently just the storage janitor.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/medevidence/ingest-service/internal/core/ports"
	"github.com/medevidence/ingest-service/internal/observability/metrics"
)

// Janitor reaps storage objects that have no matching submission row, which
// can happen if a process crashes between saving the upload and writing the
// submission record, or after a submission is deleted out-of-band.
type Janitor struct {
	storage ports.ObjectStorage
	repo    ports.SubmissionRepository
	metrics *metrics.WorkerMetrics
	logger  *slog.Logger
}

func NewJanitor(storage ports.ObjectStorage, repo ports.SubmissionRepository, workerMetrics *metrics.WorkerMetrics, logger *slog.Logger) *Janitor {
	return &Janitor{storage: storage, repo: repo, metrics: workerMetrics, logger: logger}
}

// Run ticks every interval until ctx is canceled, sweeping once per tick.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs a single pass: list every stored object, list every path the
// database still references, and delete anything on disk with no matching
// row. The count reaped goes to the worker metrics; only the error is
// returned.
func (j *Janitor) Sweep(ctx context.Context) error {
	start := time.Now()
	reaped, err := j.sweep(ctx)
	if j.metrics != nil {
		j.metrics.RecordJanitorSweep("ingest-worker", time.Since(start), reaped, err)
	}
	return err
}

func (j *Janitor) sweep(ctx context.Context) (int, error) {
	referenced, err := j.repo.ListOrphanedFilePaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("list referenced file paths: %w", err)
	}
	keep := make(map[string]struct{}, len(referenced))
	for _, p := range referenced {
		keep[p] = struct{}{}
	}

	stored, err := j.storage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list storage objects: %w", err)
	}

	reaped := 0
	for _, key := range stored {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := j.storage.Delete(ctx, key); err != nil {
			j.logger.Warn("janitor failed to delete orphaned object", "key", key, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}
