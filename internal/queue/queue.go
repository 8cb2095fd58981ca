// Package queue implements the durable job queue with visibility leases.
// Dequeued jobs are leased, not removed: a worker that dies without acking
// loses its lease and the job becomes deliverable again. Delivery is
// at-least-once; consumers must be idempotent.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotLeased is returned when acking or nacking a job whose lease is
	// not held, typically because it expired and was reaped.
	ErrNotLeased = errors.New("job is not leased")
)

// Message is one leased delivery of a queued job.
type Message struct {
	JobID string
	// Deliveries counts how many times this job has been handed to a
	// worker, including this delivery.
	Deliveries int64
}

// Queue is the job queue surface. RedisQueue backs production; MemoryQueue
// backs tests and single-process deployments.
type Queue interface {
	// Enqueue makes a job deliverable after the given delay.
	Enqueue(ctx context.Context, jobID string, delay time.Duration) error

	// Dequeue leases the oldest deliverable job, or returns nil when none
	// is visible.
	Dequeue(ctx context.Context) (*Message, error)

	// Ack removes a leased job permanently.
	Ack(ctx context.Context, msg *Message) error

	// Nack releases the lease and schedules redelivery after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error

	// DeadLetter removes a leased job and records it in the dead-letter
	// store with a terminal reason.
	DeadLetter(ctx context.Context, msg *Message, reason string) error

	// ReapExpired returns jobs with expired leases to the deliverable set
	// and reports how many were reaped.
	ReapExpired(ctx context.Context) (int, error)

	// Stats reports deliverable and leased counts.
	Stats(ctx context.Context) (pending int64, leased int64, err error)
}

// DeadLetterRecord is the stored shape of a dead-lettered job.
type DeadLetterRecord struct {
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason"`
	Deliveries int64     `json:"deliveries"`
	FailedAt   time.Time `json:"failed_at"`
}
