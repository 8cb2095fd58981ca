// Package worker executes queued withdrawal jobs: claim matching,
// transaction construction, submission, confirmation tracking and failure
// routing. Delivery from the queue is at-least-once, so every step
// re-checks durable state before acting.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/claims"
	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/queue"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/internal/validation"
	"github.com/shieldpool/relay/pkg/errors"
	"github.com/shieldpool/relay/pkg/log"
	"github.com/shieldpool/relay/pkg/retry"
)

// JobStore is the persistence surface the pipeline needs. Implemented by
// postgres.JobRepository.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*postgres.Job, error)
	MarkProcessing(ctx context.Context, jobID string) error
	MarkQueued(ctx context.Context, jobID string) error
	MarkSubmitted(ctx context.Context, jobID, claimID, signature string) error
	MarkConfirmed(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, errorType, message string, terminal bool) error
	RequeueForRetry(ctx context.Context, jobID, errorType, message string) (int, error)
	ListInFlight(ctx context.Context, stuckFor time.Duration) ([]*postgres.Job, error)
}

// NullifierStore releases reservations for terminally failed jobs.
// Implemented by postgres.NullifierRepository.
type NullifierStore interface {
	ReleaseForJob(ctx context.Context, jobID string) error
}

// Metrics is the subset of the influx client the worker emits to.
type Metrics interface {
	WriteJobTransition(jobID, fromStatus, toStatus, errorType string)
	WriteSubmission(jobID, signature string, confirmed bool, latency time.Duration)
	WriteClaimSupply(total, usable int64)
	WriteQueueDepth(pending, leased int64)
	WriteWorkerPool(active, capacity int64)
}

// NopMetrics discards all metrics.
type NopMetrics struct{}

func (NopMetrics) WriteJobTransition(string, string, string, string)   {}
func (NopMetrics) WriteSubmission(string, string, bool, time.Duration) {}
func (NopMetrics) WriteClaimSupply(int64, int64)                       {}
func (NopMetrics) WriteQueueDepth(int64, int64)                        {}
func (NopMetrics) WriteWorkerPool(int64, int64)                        {}

// Config holds pipeline tuning.
type Config struct {
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ConfirmTimeout    time.Duration
	ConfirmPollPeriod time.Duration

	WithdrawalProgram registry.Hash32
	RelayAuthority    registry.Hash32
}

// Pipeline runs a single job execution attempt end to end.
type Pipeline struct {
	cfg        *Config
	store      JobStore
	nullifiers NullifierStore
	jobQueue   queue.Queue
	client     chain.Client
	finder     *claims.Finder
	publisher  messaging.Publisher
	metrics    Metrics
	logger     *log.Logger
}

// NewPipeline creates a job pipeline.
func NewPipeline(cfg *Config, store JobStore, nullifiers NullifierStore, jobQueue queue.Queue,
	client chain.Client, finder *claims.Finder, publisher messaging.Publisher,
	metrics Metrics, logger *log.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		nullifiers: nullifiers,
		jobQueue:   jobQueue,
		client:     client,
		finder:     finder,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger.WithComponent("pipeline"),
	}
}

// Execute processes one delivery. It always settles the queue message:
// ack on any terminal outcome, nack with backoff on a retryable failure.
func (p *Pipeline) Execute(ctx context.Context, msg *queue.Message) {
	logger := p.logger.WithFields("job_id", msg.JobID, "delivery", msg.Deliveries)

	job, err := p.store.GetJob(ctx, msg.JobID)
	if err != nil {
		if err == postgres.ErrJobNotFound {
			// Queue entry without a row: nothing to execute
			logger.Error("queued job has no database row, dropping")
			p.ack(ctx, msg)
			return
		}
		logger.WithError(err).Error("failed to load job, releasing lease")
		p.nack(ctx, msg, p.cfg.BackoffBase)
		return
	}

	// Idempotency gate: a redelivered job may already be settled
	if job.Terminal() {
		logger.Info("job already terminal, acking redelivery", "status", job.Status)
		p.ack(ctx, msg)
		return
	}

	// Crash recovery: a submitted job resolves through the chain, never
	// through a second submission
	if job.Status == postgres.JobStatusSubmitted && job.Signature != "" {
		p.resolveSubmitted(ctx, job, msg, logger)
		return
	}

	if err := p.store.MarkProcessing(ctx, job.ID); err != nil {
		logger.WithError(err).Error("failed to mark job processing")
		p.nack(ctx, msg, p.cfg.BackoffBase)
		return
	}
	p.metrics.WriteJobTransition(job.ID, job.Status, postgres.JobStatusProcessing, "")
	logger.LogJobTransition(job.ID, job.Status, postgres.JobStatusProcessing, job.RetryCount)

	if err := p.attempt(ctx, job, msg, logger); err != nil {
		p.routeFailure(ctx, job, msg, err, logger)
	}
}

// attempt runs one submission attempt for a job in processing state.
func (p *Pipeline) attempt(ctx context.Context, job *postgres.Job, msg *queue.Message, logger *log.Logger) error {
	var batchHash registry.Hash32
	if job.BatchHash != "" {
		parsed, err := registry.Hash32FromHex(job.BatchHash)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
				"stored batch hash is malformed")
		}
		batchHash = parsed
	}

	match, supply, err := p.finder.Find(ctx, batchHash)
	if supply != nil {
		p.metrics.WriteClaimSupply(int64(supply.Total), int64(supply.Usable))
	}
	if err != nil {
		return err
	}
	logger.LogClaimMatch(job.ID, match.ClaimID.String(),
		match.Claim.BatchHash.IsZero(), match.Claim.MaxConsumes-match.Claim.ConsumedCount)

	tx, err := p.buildTransaction(job, match.ClaimID, batchHash)
	if err != nil {
		return err
	}

	submittedAt := time.Now()
	signature, err := p.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return err
	}

	if err := p.store.MarkSubmitted(ctx, job.ID, match.ClaimID.String(), signature); err != nil {
		// The transaction is already in flight; keep going and settle the
		// job with the signature held here rather than abandoning it.
		logger.WithError(err).Error("failed to record submission")
	} else {
		p.metrics.WriteJobTransition(job.ID, postgres.JobStatusProcessing, postgres.JobStatusSubmitted, "")
	}

	status, err := p.awaitConfirmation(ctx, signature)
	if err != nil {
		// The transaction may still land. Leave the row in submitted and
		// release the lease: the redelivery resolves the signature against
		// the chain instead of submitting a second transaction.
		logger.WithError(err).Info("confirmation outcome unknown, deferring to resolution",
			"signature", signature)
		p.nack(ctx, msg, p.cfg.ConfirmPollPeriod)
		return nil
	}
	p.metrics.WriteSubmission(job.ID, signature, !status.Failed(), time.Since(submittedAt))
	logger.LogSubmission(job.ID, signature, status.Slot, float64(time.Since(submittedAt).Milliseconds()))

	if status.Failed() {
		return chain.ClassifyProgramError("confirm_transaction", status.Err)
	}

	p.finalizeConfirmed(ctx, job, msg, signature, match.ClaimID.String(), logger)
	return nil
}

// resolveSubmitted settles a job whose transaction was submitted before a
// crash or lease expiry. Resubmitting would double-spend the claim, so the
// outcome comes from the chain.
func (p *Pipeline) resolveSubmitted(ctx context.Context, job *postgres.Job, msg *queue.Message, logger *log.Logger) {
	status, err := p.client.SignatureStatus(ctx, job.Signature)
	if err != nil {
		logger.WithError(err).Error("failed to query submitted signature")
		p.nack(ctx, msg, p.cfg.BackoffBase)
		return
	}

	switch {
	case status == nil:
		// The chain never saw it: the submission was lost, safe to retry
		logger.Info("submitted transaction unknown to chain, requeueing")
		if err := p.store.MarkQueued(ctx, job.ID); err != nil {
			logger.WithError(err).Error("failed to requeue submitted job")
		}
		p.nack(ctx, msg, p.cfg.BackoffBase)
	case status.Failed():
		p.routeFailure(ctx, job, msg,
			chain.ClassifyProgramError("resolve_submission", status.Err), logger)
	case status.Confirmed:
		p.finalizeConfirmed(ctx, job, msg, job.Signature, job.ClaimID, logger)
	default:
		// Known but not yet confirmed: check again after a delay
		p.nack(ctx, msg, p.cfg.ConfirmPollPeriod)
	}
}

func (p *Pipeline) finalizeConfirmed(ctx context.Context, job *postgres.Job, msg *queue.Message, signature, claimID string, logger *log.Logger) {
	if err := p.store.MarkConfirmed(ctx, job.ID); err != nil {
		// The withdrawal is confirmed on chain; the redelivery will land in
		// the submitted-resolution path and settle the row
		logger.WithError(err).Error("failed to mark job confirmed")
		p.nack(ctx, msg, p.cfg.BackoffBase)
		return
	}
	p.metrics.WriteJobTransition(job.ID, postgres.JobStatusSubmitted, postgres.JobStatusConfirmed, "")
	logger.LogJobTransition(job.ID, postgres.JobStatusSubmitted, postgres.JobStatusConfirmed, job.RetryCount)

	p.publish(ctx, messaging.TopicJobsCompleted, job.ID, &messaging.JobCompletedEvent{
		JobID:       job.ID,
		Signature:   signature,
		ClaimID:     claimID,
		Amount:      job.Amount,
		Fee:         job.Fee,
		RetryCount:  job.RetryCount,
		CompletedAt: time.Now().UTC(),
	})
	p.ack(ctx, msg)
}

// routeFailure applies the failure taxonomy: fatal errors settle the job,
// retryable errors requeue with backoff until retries run out.
func (p *Pipeline) routeFailure(ctx context.Context, job *postgres.Job, msg *queue.Message, cause error, logger *log.Logger) {
	errorType := string(errors.GetType(cause))

	if errors.IsFatal(cause) {
		logger.WithError(cause).Error("job failed fatally")
		if err := p.store.MarkFailed(ctx, job.ID, errorType, cause.Error(), false); err != nil {
			logger.WithError(err).Error("failed to record fatal failure")
			p.nack(ctx, msg, p.cfg.BackoffBase)
			return
		}
		p.metrics.WriteJobTransition(job.ID, postgres.JobStatusProcessing, postgres.JobStatusFailed, errorType)
		p.releaseNullifier(ctx, job, logger)
		p.publish(ctx, messaging.TopicJobsFailed, job.ID, &messaging.JobFailedEvent{
			JobID:        job.ID,
			ErrorType:    errorType,
			ErrorMessage: cause.Error(),
			RetryCount:   job.RetryCount,
			FailedAt:     time.Now().UTC(),
		})
		p.ack(ctx, msg)
		return
	}

	if job.RetryCount >= p.cfg.MaxRetries {
		logger.WithError(cause).Error("job exhausted retries, dead-lettering",
			"retry_count", job.RetryCount)
		if err := p.store.MarkFailed(ctx, job.ID, errorType, cause.Error(), true); err != nil {
			logger.WithError(err).Error("failed to record dead letter")
			p.nack(ctx, msg, p.cfg.BackoffBase)
			return
		}
		p.metrics.WriteJobTransition(job.ID, postgres.JobStatusProcessing, postgres.JobStatusDeadLetter, errorType)
		p.releaseNullifier(ctx, job, logger)
		p.publish(ctx, messaging.TopicJobsDead, job.ID, &messaging.JobDeadLetterEvent{
			JobID:        job.ID,
			ErrorType:    errorType,
			ErrorMessage: cause.Error(),
			Deliveries:   msg.Deliveries,
			FailedAt:     time.Now().UTC(),
		})
		if err := p.jobQueue.DeadLetter(ctx, msg, cause.Error()); err != nil {
			logger.WithError(err).Error("failed to dead-letter queue message")
		}
		return
	}

	retryCount, err := p.store.RequeueForRetry(ctx, job.ID, errorType, cause.Error())
	if err != nil {
		logger.WithError(err).Error("failed to requeue job for retry")
		p.nack(ctx, msg, p.cfg.BackoffBase)
		return
	}

	delay := retry.BackoffDelay(retryCount-1, p.cfg.BackoffBase, p.cfg.BackoffMax)
	logger.WithError(cause).Info("job requeued for retry",
		"retry_count", retryCount, "delay", delay.String())
	p.metrics.WriteJobTransition(job.ID, postgres.JobStatusProcessing, postgres.JobStatusQueued, errorType)
	p.nack(ctx, msg, delay)
}

// buildTransaction assembles the withdrawal transaction from the stored
// job and the matched claim.
func (p *Pipeline) buildTransaction(job *postgres.Job, claimID, batchHash registry.Hash32) (*chain.Transaction, error) {
	root, err := registry.Hash32FromHex(job.Root)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
			"stored root is malformed")
	}
	nullifier, err := registry.Hash32FromHex(job.Nullifier)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
			"stored nullifier is malformed")
	}

	var outputs []validation.Output
	if err := json.Unmarshal(job.OutputsJSON, &outputs); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
			"stored outputs are malformed")
	}

	legs := make([]chain.TransferOutput, len(outputs))
	for i, out := range outputs {
		recipient, err := registry.Hash32FromHex(out.Recipient)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
				"stored output recipient is malformed")
		}
		legs[i] = chain.TransferOutput{Recipient: recipient, Amount: out.Amount}
	}

	ix := &chain.WithdrawalInstruction{
		Root:      root,
		Nullifier: nullifier,
		Proof:     job.Proof,
		ClaimID:   claimID,
		BatchHash: batchHash,
		Amount:    uint64(job.Amount),
		Fee:       uint64(job.Fee),
		Outputs:   legs,
	}
	data, err := ix.Encode()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build_transaction",
			"failed to encode withdrawal instruction")
	}

	return &chain.Transaction{
		Program: p.cfg.WithdrawalProgram,
		Signer:  p.cfg.RelayAuthority,
		Data:    data,
	}, nil
}

// awaitConfirmation polls the signature until the node reports an outcome
// or the confirmation budget runs out.
func (p *Pipeline) awaitConfirmation(ctx context.Context, signature string) (*chain.SignatureStatus, error) {
	deadline := time.Now().Add(p.cfg.ConfirmTimeout)

	for {
		status, err := p.client.SignatureStatus(ctx, signature)
		if err != nil {
			return nil, err
		}
		if status != nil && (status.Confirmed || status.Failed()) {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, errors.New(errors.ErrorTypeTimeout, "confirm_transaction",
				"confirmation budget exhausted").
				WithContext("signature", signature)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout,
				"confirm_transaction", "context cancelled while awaiting confirmation")
		case <-time.After(p.cfg.ConfirmPollPeriod):
		}
	}
}

func (p *Pipeline) releaseNullifier(ctx context.Context, job *postgres.Job, logger *log.Logger) {
	if err := p.nullifiers.ReleaseForJob(ctx, job.ID); err != nil {
		logger.WithError(err).Error("failed to release nullifier reservation")
	}
}

func (p *Pipeline) publish(ctx context.Context, topic, key string, event any) {
	if err := p.publisher.Publish(ctx, topic, key, event); err != nil {
		p.logger.WithError(err).Error("failed to publish event", "topic", topic, "key", key)
	}
}

func (p *Pipeline) ack(ctx context.Context, msg *queue.Message) {
	if err := p.jobQueue.Ack(ctx, msg); err != nil && err != queue.ErrNotLeased {
		p.logger.WithError(err).Error("failed to ack queue message", "job_id", msg.JobID)
	}
}

func (p *Pipeline) nack(ctx context.Context, msg *queue.Message, delay time.Duration) {
	if err := p.jobQueue.Nack(ctx, msg, delay); err != nil && err != queue.ErrNotLeased {
		p.logger.WithError(err).Error("failed to nack queue message", "job_id", msg.JobID)
	}
}
