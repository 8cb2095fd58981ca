package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/queue"
	"github.com/shieldpool/relay/pkg/log"
)

// Pool drives the job pipeline: it polls the queue, fans deliveries out to
// a bounded set of workers, and reaps expired leases.
type Pool struct {
	size         int
	pollInterval time.Duration

	jobQueue queue.Queue
	pipeline *Pipeline
	metrics  Metrics
	logger   *log.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewPool creates a worker pool of the given size.
func NewPool(size int, pollInterval time.Duration, jobQueue queue.Queue, pipeline *Pipeline, metrics Metrics, logger *log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:         size,
		pollInterval: pollInterval,
		jobQueue:     jobQueue,
		pipeline:     pipeline,
		metrics:      metrics,
		logger:       logger.WithComponent("worker_pool"),
		sem:          make(chan struct{}, size),
		done:         make(chan struct{}),
	}
}

// Run polls the queue until the context is cancelled or Shutdown is called,
// then waits for in-flight jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", "size", p.size, "poll_interval", p.pollInterval.String())

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.done:
			p.drain()
			return
		case <-ticker.C:
			p.reap(ctx)
			p.poll(ctx)
			p.gauge(ctx)
		}
	}
}

// Shutdown stops polling. Run returns once in-flight jobs complete.
func (p *Pool) Shutdown() {
	p.once.Do(func() { close(p.done) })
}

// poll drains the queue into workers until it is empty or the pool is full.
func (p *Pool) poll(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		msg, err := p.jobQueue.Dequeue(ctx)
		if err != nil {
			<-p.sem
			p.logger.WithError(err).Error("failed to dequeue job")
			return
		}
		if msg == nil {
			<-p.sem
			return
		}

		p.wg.Add(1)
		go func(msg *queue.Message) {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			started := time.Now()
			p.pipeline.Execute(ctx, msg)
			p.logger.LogDuration("execute_job", time.Since(started).Nanoseconds())
		}(msg)
	}
}

// reap returns expired leases to the pending queue.
func (p *Pool) reap(ctx context.Context) {
	reaped, err := p.jobQueue.ReapExpired(ctx)
	if err != nil {
		p.logger.WithError(err).Error("failed to reap expired leases")
		return
	}
	if reaped > 0 {
		p.logger.Info("reaped expired leases", "count", reaped)
	}
}

// gauge emits queue and pool occupancy.
func (p *Pool) gauge(ctx context.Context) {
	pending, leased, err := p.jobQueue.Stats(ctx)
	if err != nil {
		return
	}
	p.metrics.WriteQueueDepth(pending, leased)
	p.metrics.WriteWorkerPool(int64(len(p.sem)), int64(p.size))
}

func (p *Pool) drain() {
	p.logger.Info("worker pool draining")
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Recover re-enqueues jobs left in flight by a previous process: submitted
// jobs resolve through their signature on the next delivery, processing
// jobs whose lease has lapsed start over.
func Recover(ctx context.Context, store JobStore, jobQueue queue.Queue, stuckFor time.Duration, logger *log.Logger) error {
	logger = logger.WithComponent("recovery")

	jobs, err := store.ListInFlight(ctx, stuckFor)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	for _, job := range jobs {
		if job.Status == postgres.JobStatusProcessing {
			if err := store.MarkQueued(ctx, job.ID); err != nil {
				logger.WithError(err).Error("failed to requeue stuck job", "job_id", job.ID)
				continue
			}
		}
		if err := jobQueue.Enqueue(ctx, job.ID, 0); err != nil {
			logger.WithError(err).Error("failed to re-enqueue in-flight job", "job_id", job.ID)
			continue
		}
		logger.Info("recovered in-flight job", "job_id", job.ID, "status", job.Status)
	}
	return nil
}
