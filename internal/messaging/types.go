package messaging

import "time"

// JobAcceptedEvent is published when a withdrawal request passes validation
// and its job is durably queued.
type JobAcceptedEvent struct {
	JobID      string    `json:"job_id"`
	Nullifier  string    `json:"nullifier"`
	BatchHash  string    `json:"batch_hash,omitempty"`
	Amount     int64     `json:"amount"`
	Fee        int64     `json:"fee"`
	NumOutputs int       `json:"num_outputs"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// JobCompletedEvent is published when a withdrawal confirms on chain.
type JobCompletedEvent struct {
	JobID       string    `json:"job_id"`
	Signature   string    `json:"signature"`
	ClaimID     string    `json:"claim_id"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee"`
	RetryCount  int       `json:"retry_count"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobFailedEvent is published on a terminal failure that is not a dead
// letter: a fatal on-chain rejection.
type JobFailedEvent struct {
	JobID        string    `json:"job_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	FailedAt     time.Time `json:"failed_at"`
}

// JobDeadLetterEvent is published when a job exhausts its retries.
type JobDeadLetterEvent struct {
	JobID        string    `json:"job_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Deliveries   int64     `json:"deliveries"`
	FailedAt     time.Time `json:"failed_at"`
}

// ClaimEvent is published by the miner on claim lifecycle transitions.
type ClaimEvent struct {
	ClaimID     string    `json:"claim_id"`
	Authority   string    `json:"authority"`
	BatchHash   string    `json:"batch_hash,omitempty"`
	Event       string    `json:"event"` // mined, revealed
	Slot        uint64    `json:"slot"`
	MaxConsumes uint16    `json:"max_consumes"`
	OccurredAt  time.Time `json:"occurred_at"`
}
