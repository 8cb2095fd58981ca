package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shieldpool/relay/internal/database/postgres"
)

// workerJobs is the job repository surface the worker store wraps.
type workerJobs interface {
	GetJob(ctx context.Context, jobID string) (*postgres.Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkQueued(ctx context.Context, jobID string) error
	MarkSubmitted(ctx context.Context, jobID, claimID, signature string) error
	MarkConfirmed(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errorType, message string, terminal bool) error
	RequeueForRetry(ctx context.Context, jobID, errorType, message string) (int, error)
	ListInFlight(ctx context.Context, stuckFor time.Duration) ([]*postgres.Job, error)
}

type statusInvalidator interface {
	InvalidateJobStatus(ctx context.Context, jobID string) error
}

// WorkerStore is the job store handed to the worker pipeline. Every status
// update goes through PostgreSQL and then drops the job's status cache
// entry, keeping API reads in step with worker-side transitions.
type WorkerStore struct {
	jobs  workerJobs
	cache statusInvalidator
}

func (w *WorkerStore) GetJob(ctx context.Context, jobID string) (*postgres.Job, error) {
	return w.jobs.GetJob(ctx, jobID)
}

func (w *WorkerStore) ListInFlight(ctx context.Context, stuckFor time.Duration) ([]*postgres.Job, error) {
	return w.jobs.ListInFlight(ctx, stuckFor)
}

func (w *WorkerStore) MarkProcessing(ctx context.Context, jobID string) error {
	return w.transition(ctx, jobID, func(ctx context.Context) error {
		return w.jobs.MarkProcessing(ctx, jobID)
	})
}

func (w *WorkerStore) MarkQueued(ctx context.Context, jobID string) error {
	return w.transition(ctx, jobID, func(ctx context.Context) error {
		return w.jobs.MarkQueued(ctx, jobID)
	})
}

func (w *WorkerStore) MarkSubmitted(ctx context.Context, jobID, claimID, signature string) error {
	return w.transition(ctx, jobID, func(ctx context.Context) error {
		return w.jobs.MarkSubmitted(ctx, jobID, claimID, signature)
	})
}

func (w *WorkerStore) MarkConfirmed(ctx context.Context, jobID string) error {
	return w.transition(ctx, jobID, func(ctx context.Context) error {
		return w.jobs.MarkConfirmed(ctx, jobID)
	})
}

func (w *WorkerStore) MarkFailed(ctx context.Context, jobID, errorType, message string, terminal bool) error {
	return w.transition(ctx, jobID, func(ctx context.Context) error {
		return w.jobs.MarkFailed(ctx, jobID, errorType, message, terminal)
	})
}

func (w *WorkerStore) RequeueForRetry(ctx context.Context, jobID, errorType, message string) (int, error) {
	var retryCount int
	err := w.transition(ctx, jobID, func(ctx context.Context) error {
		var err error
		retryCount, err = w.jobs.RequeueForRetry(ctx, jobID, errorType, message)
		return err
	})
	return retryCount, err
}

// transition runs a status update and drops the cached status entry.
// Staleness is bounded by the cache TTL, so an invalidation failure is not
// worth failing the transition over.
func (w *WorkerStore) transition(ctx context.Context, jobID string, update func(context.Context) error) error {
	if err := update(ctx); err != nil {
		return err
	}
	if err := w.cache.InvalidateJobStatus(ctx, jobID); err != nil {
		fmt.Printf("Warning: failed to invalidate job status cache for %s: %v\n", jobID, err)
	}
	return nil
}
