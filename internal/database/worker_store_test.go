package database

import (
	"context"
	"testing"
	"time"

	"github.com/shieldpool/relay/internal/database/postgres"
)

type fakeWorkerJobs struct {
	calls []string
}

func (f *fakeWorkerJobs) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeWorkerJobs) GetJob(_ context.Context, jobID string) (*postgres.Job, error) {
	f.record("GetJob")
	return &postgres.Job{ID: jobID, Status: postgres.JobStatusQueued}, nil
}

func (f *fakeWorkerJobs) MarkProcessing(_ context.Context, _ string) error {
	f.record("MarkProcessing")
	return nil
}

func (f *fakeWorkerJobs) MarkQueued(_ context.Context, _ string) error {
	f.record("MarkQueued")
	return nil
}

func (f *fakeWorkerJobs) MarkSubmitted(_ context.Context, _, _, _ string) error {
	f.record("MarkSubmitted")
	return nil
}

func (f *fakeWorkerJobs) MarkConfirmed(_ context.Context, _ string) error {
	f.record("MarkConfirmed")
	return nil
}

func (f *fakeWorkerJobs) MarkFailed(_ context.Context, _, _, _ string, _ bool) error {
	f.record("MarkFailed")
	return nil
}

func (f *fakeWorkerJobs) RequeueForRetry(_ context.Context, _, _, _ string) (int, error) {
	f.record("RequeueForRetry")
	return 2, nil
}

func (f *fakeWorkerJobs) ListInFlight(_ context.Context, _ time.Duration) ([]*postgres.Job, error) {
	f.record("ListInFlight")
	return nil, nil
}

type fakeInvalidator struct {
	invalidated []string
}

func (f *fakeInvalidator) InvalidateJobStatus(_ context.Context, jobID string) error {
	f.invalidated = append(f.invalidated, jobID)
	return nil
}

func TestWorkerStore_TransitionsDropStatusCache(t *testing.T) {
	jobs := &fakeWorkerJobs{}
	cache := &fakeInvalidator{}
	store := &WorkerStore{jobs: jobs, cache: cache}
	ctx := context.Background()

	if err := store.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkSubmitted(ctx, "job-1", "claim-1", "sig-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkConfirmed(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkFailed(ctx, "job-1", "chain_fatal", "rejected", false); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkQueued(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	retryCount, err := store.RequeueForRetry(ctx, "job-1", "chain_transient", "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if retryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", retryCount)
	}

	if len(cache.invalidated) != 6 {
		t.Errorf("Cache invalidations = %d, want one per transition", len(cache.invalidated))
	}
	for _, jobID := range cache.invalidated {
		if jobID != "job-1" {
			t.Errorf("Invalidated wrong key %q", jobID)
		}
	}
}

func TestWorkerStore_ReadsLeaveCacheAlone(t *testing.T) {
	jobs := &fakeWorkerJobs{}
	cache := &fakeInvalidator{}
	store := &WorkerStore{jobs: jobs, cache: cache}
	ctx := context.Background()

	if _, err := store.GetJob(ctx, "job-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ListInFlight(ctx, time.Minute); err != nil {
		t.Fatal(err)
	}

	if len(cache.invalidated) != 0 {
		t.Errorf("Reads must not touch the cache, got %v", cache.invalidated)
	}
}
