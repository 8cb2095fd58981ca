package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pqUniqueViolation = "23505"

var (
	// ErrDuplicateNullifier means the nullifier is already reserved by
	// another job.
	ErrDuplicateNullifier = errors.New("nullifier already reserved")
	// ErrJobNotFound means no job exists with the given id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable means the job left the queued state before the
	// cancel arrived.
	ErrNotCancellable = errors.New("job is no longer queued")
)

const jobColumns = `id, status, root, nullifier, proof, outputs_json, outputs_hash,
	       batch_hash, amount, fee, claim_id, signature, error_type, error_message,
	       retry_count, created_at, updated_at, completed_at`

// JobRepository handles withdrawal job persistence.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJobWithNullifier inserts the job and its nullifier reservation in
// one transaction. A nullifier collision rolls back the whole insert and
// returns ErrDuplicateNullifier, so a job row never exists without its
// reservation.
func (r *JobRepository) CreateJobWithNullifier(ctx context.Context, job *Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	job.Status = JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nullifiers (nullifier, job_id, created_at)
		VALUES ($1, $2, $3)`,
		job.Nullifier, job.ID, now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrDuplicateNullifier
		}
		return fmt.Errorf("failed to reserve nullifier: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, root, nullifier, proof, outputs_json, outputs_hash,
		                  batch_hash, amount, fee, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $12)`,
		job.ID, job.Status, job.Root, job.Nullifier, job.Proof, job.OutputsJSON,
		job.OutputsHash, job.BatchHash, job.Amount, job.Fee, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job := &Job{}
	err := r.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.Status, &job.Root, &job.Nullifier, &job.Proof,
		&job.OutputsJSON, &job.OutputsHash, &job.BatchHash, &job.Amount,
		&job.Fee, &job.ClaimID, &job.Signature, &job.ErrorType,
		&job.ErrorMessage, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// MarkProcessing moves a job to processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, jobID string) error {
	return r.setStatus(ctx, jobID, JobStatusProcessing, false)
}

// MarkQueued returns a job to queued without touching its retry count.
// Used when a lost submission turns out never to have reached the chain.
func (r *JobRepository) MarkQueued(ctx context.Context, jobID string) error {
	return r.setStatus(ctx, jobID, JobStatusQueued, false)
}

// MarkSubmitted records the transaction signature and claim used.
func (r *JobRepository) MarkSubmitted(ctx context.Context, jobID, claimID, signature string) error {
	query := `
		UPDATE jobs SET status = $1, claim_id = $2, signature = $3, updated_at = $4
		WHERE id = $5`
	result, err := r.db.ExecContext(ctx, query,
		JobStatusSubmitted, claimID, signature, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job submitted: %w", err)
	}
	return checkAffected(result)
}

// MarkConfirmed finalizes a successful job.
func (r *JobRepository) MarkConfirmed(ctx context.Context, jobID string) error {
	return r.setStatus(ctx, jobID, JobStatusConfirmed, true)
}

// MarkFailed records a failure classification and message. Terminal is true
// for dead-lettered jobs.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID, errorType, message string, terminal bool) error {
	status := JobStatusFailed
	var completedAt *time.Time
	if terminal {
		status = JobStatusDeadLetter
		now := time.Now()
		completedAt = &now
	}

	query := `
		UPDATE jobs SET status = $1, error_type = $2, error_message = $3,
		       updated_at = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $6`
	result, err := r.db.ExecContext(ctx, query,
		status, errorType, message, time.Now(), completedAt, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return checkAffected(result)
}

// RequeueForRetry bumps the retry counter and returns the job to queued.
func (r *JobRepository) RequeueForRetry(ctx context.Context, jobID, errorType, message string) (int, error) {
	query := `
		UPDATE jobs SET status = $1, retry_count = retry_count + 1,
		       error_type = $2, error_message = $3, updated_at = $4
		WHERE id = $5
		RETURNING retry_count`

	var retryCount int
	err := r.db.QueryRowContext(ctx, query,
		JobStatusQueued, errorType, message, time.Now(), jobID).Scan(&retryCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to requeue job: %w", err)
	}
	return retryCount, nil
}

// CancelIfQueued cancels a job only while it is still queued. Once a worker
// picked it up the cancel loses the race and ErrNotCancellable is returned.
func (r *JobRepository) CancelIfQueued(ctx context.Context, jobID string) error {
	now := time.Now()
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		JobStatusCancelled, now, now, jobID, JobStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrNotCancellable
	}
	return nil
}

// ListInFlight returns jobs that were mid-execution when the process died:
// processing and queued jobs stuck past the threshold and submitted jobs
// whose confirmation was never recorded. Boot recovery re-resolves
// submitted jobs through the chain before requeueing; the queue enqueue is
// idempotent per job id, so re-enqueueing a still-queued job is harmless.
func (r *JobRepository) ListInFlight(ctx context.Context, stuckFor time.Duration) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = $1 OR (status IN ($2, $3) AND updated_at < $4)
		ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query,
		JobStatusSubmitted, JobStatusProcessing, JobStatusQueued, time.Now().Add(-stuckFor))
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		err := rows.Scan(
			&job.ID, &job.Status, &job.Root, &job.Nullifier, &job.Proof,
			&job.OutputsJSON, &job.OutputsHash, &job.BatchHash, &job.Amount,
			&job.Fee, &job.ClaimID, &job.Signature, &job.ErrorType,
			&job.ErrorMessage, &job.RetryCount, &job.CreatedAt, &job.UpdatedAt,
			&job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *JobRepository) setStatus(ctx context.Context, jobID, status string, complete bool) error {
	now := time.Now()
	var completedAt *time.Time
	if complete {
		completedAt = &now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2,
		       completed_at = COALESCE($3, completed_at)
		WHERE id = $4`,
		status, now, completedAt, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return checkAffected(result)
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// NullifierRepository reads the nullifier reservation table. Writes happen
// only through CreateJobWithNullifier.
type NullifierRepository struct {
	db *sql.DB
}

// NewNullifierRepository creates a new nullifier repository
func NewNullifierRepository(db *sql.DB) *NullifierRepository {
	return &NullifierRepository{db: db}
}

// GetReservation returns the job holding a nullifier, nil when unreserved.
func (r *NullifierRepository) GetReservation(ctx context.Context, nullifier string) (*NullifierRecord, error) {
	record := &NullifierRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT nullifier, job_id, created_at FROM nullifiers WHERE nullifier = $1`,
		nullifier).Scan(&record.Nullifier, &record.JobID, &record.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get nullifier reservation: %w", err)
	}
	return record, nil
}

// ReleaseForJob drops the reservation held by a job. Called when the job
// dead-letters or fails fatally, so the owner can resubmit the note later.
func (r *NullifierRepository) ReleaseForJob(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM nullifiers WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to release nullifier reservation: %w", err)
	}
	return nil
}
