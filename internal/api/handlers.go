package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/validation"
	"github.com/shieldpool/relay/pkg/errors"
)

// WithdrawResponse is the accepted-submission payload.
type WithdrawResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Fee       int64  `json:"fee"`
}

// StatusResponse reports a job's current state.
type StatusResponse struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	TxID        string     `json:"tx_id,omitempty"`
	ErrorType   string     `json:"error_type,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// externalStatus maps internal job states onto the client vocabulary:
// queued, processing, completed, failed, plus cancelled. Submission depth
// and dead-lettering are relay internals.
func externalStatus(status string) string {
	switch status {
	case postgres.JobStatusSubmitted:
		return postgres.JobStatusProcessing
	case postgres.JobStatusConfirmed:
		return "completed"
	case postgres.JobStatusDeadLetter:
		return postgres.JobStatusFailed
	default:
		return status
	}
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var req validation.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	parsed, err := s.validator.Validate(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outputsJSON, err := json.Marshal(req.Outputs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode outputs"})
		return
	}

	job := &postgres.Job{
		ID:          uuid.NewString(),
		Status:      postgres.JobStatusQueued,
		Root:        parsed.Root.String(),
		Nullifier:   parsed.Nullifier.String(),
		Proof:       parsed.Proof,
		OutputsJSON: outputsJSON,
		OutputsHash: parsed.OutputsHash.String(),
		Amount:      int64(parsed.Amount),
		Fee:         int64(parsed.Fee),
	}
	if !parsed.BatchHash.IsZero() {
		job.BatchHash = parsed.BatchHash.String()
	}

	if err := s.store.CreateJob(c.Request.Context(), job); err != nil {
		if errors.IsType(err, errors.ErrorTypeValidation) {
			c.JSON(http.StatusConflict, gin.H{"error": "nullifier already submitted"})
			return
		}
		s.logger.WithError(err).Error("failed to persist job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to accept withdrawal"})
		return
	}

	if err := s.jobQueue.Enqueue(c.Request.Context(), job.ID, 0); err != nil {
		// The row exists; boot recovery re-enqueues stranded queued jobs
		s.logger.WithError(err).Error("failed to enqueue accepted job", "job_id", job.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue withdrawal"})
		return
	}

	s.publishAccepted(c, job, len(parsed.Outputs))
	s.logger.Info("withdrawal accepted", "job_id", job.ID, "amount", job.Amount, "fee", job.Fee)

	c.JSON(http.StatusAccepted, WithdrawResponse{
		RequestID: job.ID,
		Status:    job.Status,
		Fee:       job.Fee,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	jobID := c.Param("request_id")
	ctx := c.Request.Context()

	if s.cache != nil {
		var cached StatusResponse
		if found, err := s.cache.GetJobStatus(ctx, jobID, &cached); err == nil && found {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if err == postgres.ErrJobNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
			return
		}
		s.logger.WithError(err).Error("failed to load job status", "job_id", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load status"})
		return
	}

	resp := StatusResponse{
		RequestID:   job.ID,
		Status:      externalStatus(job.Status),
		TxID:        job.Signature,
		ErrorType:   job.ErrorType,
		Error:       job.ErrorMessage,
		RetryCount:  job.RetryCount,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}

	if s.cache != nil {
		if err := s.cache.SetJobStatus(ctx, jobID, &resp, s.cfg.StatusCacheTTL); err != nil {
			s.logger.WithError(err).Error("failed to cache job status", "job_id", jobID)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancel(c *gin.Context) {
	jobID := c.Param("request_id")
	ctx := c.Request.Context()

	if err := s.store.CancelIfQueued(ctx, jobID); err != nil {
		switch err {
		case postgres.ErrJobNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		case postgres.ErrNotCancellable:
			c.JSON(http.StatusConflict, gin.H{"error": "job is no longer queued"})
		default:
			s.logger.WithError(err).Error("failed to cancel job", "job_id", jobID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel"})
		}
		return
	}

	if s.cache != nil {
		if err := s.cache.InvalidateJobStatus(ctx, jobID); err != nil {
			s.logger.WithError(err).Error("failed to invalidate status cache", "job_id", jobID)
		}
	}
	s.logger.Info("withdrawal cancelled", "job_id", jobID)

	c.JSON(http.StatusOK, gin.H{"request_id": jobID, "status": postgres.JobStatusCancelled})
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to count jobs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	pending, leased, err := s.jobQueue.Stats(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to read queue stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  counts,
		"queue": gin.H{"pending": pending, "leased": leased},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	for _, checker := range s.health {
		if err := checker.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) publishAccepted(c *gin.Context, job *postgres.Job, numOutputs int) {
	event := &messaging.JobAcceptedEvent{
		JobID:      job.ID,
		Nullifier:  job.Nullifier,
		BatchHash:  job.BatchHash,
		Amount:     job.Amount,
		Fee:        job.Fee,
		NumOutputs: numOutputs,
		AcceptedAt: time.Now().UTC(),
	}
	if err := s.publisher.Publish(c.Request.Context(), messaging.TopicJobsAccepted, job.ID, event); err != nil {
		s.logger.WithError(err).Error("failed to publish accepted event", "job_id", job.ID)
	}
}
