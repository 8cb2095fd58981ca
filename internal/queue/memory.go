package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same lease semantics as the
// Redis implementation. Used by tests and single-process deployments.
type MemoryQueue struct {
	mu            sync.Mutex
	pending       map[string]time.Time // job id -> visible at
	leased        map[string]time.Time // job id -> lease expiry
	deliveries    map[string]int64
	dead          []DeadLetterRecord
	leaseDuration time.Duration
	now           func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(leaseDuration time.Duration) *MemoryQueue {
	return &MemoryQueue{
		pending:       make(map[string]time.Time),
		leased:        make(map[string]time.Time),
		deliveries:    make(map[string]int64),
		leaseDuration: leaseDuration,
		now:           time.Now,
	}
}

// SetClock overrides the queue's time source. Test hook.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[jobID] = q.now().Add(delay)
	return nil
}

// Dequeue implements Queue. The oldest visible job wins ties.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for id, visibleAt := range q.pending {
		if visibleAt.After(now) {
			continue
		}
		if !found || visibleAt.Before(bestAt) {
			best, bestAt, found = id, visibleAt, true
		}
	}
	if !found {
		return nil, nil
	}

	delete(q.pending, best)
	q.leased[best] = now.Add(q.leaseDuration)
	q.deliveries[best]++

	return &Message{JobID: best, Deliveries: q.deliveries[best]}, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[msg.JobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leased, msg.JobID)
	delete(q.deliveries, msg.JobID)
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, msg *Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[msg.JobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leased, msg.JobID)
	q.pending[msg.JobID] = q.now().Add(delay)
	return nil
}

// DeadLetter implements Queue.
func (q *MemoryQueue) DeadLetter(_ context.Context, msg *Message, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leased[msg.JobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leased, msg.JobID)
	delete(q.deliveries, msg.JobID)
	q.dead = append(q.dead, DeadLetterRecord{
		JobID:      msg.JobID,
		Reason:     reason,
		Deliveries: msg.Deliveries,
		FailedAt:   q.now().UTC(),
	})
	return nil
}

// ReapExpired implements Queue.
func (q *MemoryQueue) ReapExpired(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	reaped := 0
	for id, expiry := range q.leased {
		if expiry.After(now) {
			continue
		}
		delete(q.leased, id)
		q.pending[id] = now
		reaped++
	}
	return reaped, nil
}

// Stats implements Queue.
func (q *MemoryQueue) Stats(_ context.Context) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), int64(len(q.leased)), nil
}

// DeadLetters returns a copy of the dead-letter records.
func (q *MemoryQueue) DeadLetters() []DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterRecord, len(q.dead))
	copy(out, q.dead)
	return out
}
