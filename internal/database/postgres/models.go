package postgres

import "time"

// Job statuses. A job moves queued -> processing -> submitted -> confirmed.
// Retryable failures go back to queued; fatal rejections land in failed and
// exhausted retries in dead_letter. Cancellation is only possible while
// still queued.
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSubmitted  = "submitted"
	JobStatusConfirmed  = "confirmed"
	JobStatusFailed     = "failed"
	JobStatusDeadLetter = "dead_letter"
	JobStatusCancelled  = "cancelled"
)

// Job is a withdrawal job: the validated request plus its execution state.
// Request fields are stored in full so a worker can rebuild the transaction
// on any retry or after a crash.
type Job struct {
	ID           string     `db:"id"`
	Status       string     `db:"status"`
	Root         string     `db:"root"`
	Nullifier    string     `db:"nullifier"`
	Proof        []byte     `db:"proof"`
	OutputsJSON  []byte     `db:"outputs_json"`
	OutputsHash  string     `db:"outputs_hash"`
	BatchHash    string     `db:"batch_hash"`
	Amount       int64      `db:"amount"`
	Fee          int64      `db:"fee"`
	ClaimID      string     `db:"claim_id"`
	Signature    string     `db:"signature"`
	ErrorType    string     `db:"error_type"`
	ErrorMessage string     `db:"error_message"`
	RetryCount   int        `db:"retry_count"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

// Terminal reports whether the job can never run again.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusConfirmed, JobStatusFailed, JobStatusDeadLetter, JobStatusCancelled:
		return true
	}
	return false
}

// NullifierRecord reserves a nullifier for a job. The unique constraint on
// the nullifier column is the relay-side double-spend guard: two jobs can
// never hold the same nullifier.
type NullifierRecord struct {
	Nullifier string    `db:"nullifier"`
	JobID     string    `db:"job_id"`
	CreatedAt time.Time `db:"created_at"`
}
