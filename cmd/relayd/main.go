// Package main implements relayd, the shielded-pool withdrawal relay.
// It accepts withdrawal requests over HTTP, persists them as durable jobs
// and drives them through claim matching, transaction submission and
// confirmation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shieldpool/relay/internal/api"
	"github.com/shieldpool/relay/internal/chain"
	"github.com/shieldpool/relay/internal/claims"
	"github.com/shieldpool/relay/internal/config"
	"github.com/shieldpool/relay/internal/database"
	"github.com/shieldpool/relay/internal/database/influx"
	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/database/redis"
	"github.com/shieldpool/relay/internal/messaging"
	"github.com/shieldpool/relay/internal/queue"
	"github.com/shieldpool/relay/internal/registry"
	"github.com/shieldpool/relay/internal/validation"
	"github.com/shieldpool/relay/internal/worker"
	"github.com/shieldpool/relay/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting relayd",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	registryProgram, err := registry.Hash32FromHex(cfg.RegistryProgramID)
	if err != nil {
		logger.WithError(err).Error("REGISTRY_PROGRAM_ID is required")
		os.Exit(1)
	}
	withdrawalProgram, err := registry.Hash32FromHex(cfg.WithdrawalProgramID)
	if err != nil {
		logger.WithError(err).Error("WITHDRAWAL_PROGRAM_ID is required")
		os.Exit(1)
	}
	relayAuthority, err := registry.Hash32FromHex(cfg.RelayAuthority)
	if err != nil {
		logger.WithError(err).Error("RELAY_AUTHORITY is required")
		os.Exit(1)
	}

	// Connect storage
	manager, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{URL: cfg.RedisURL},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	})
	if err != nil {
		logger.WithError(err).Error("failed to connect databases")
		os.Exit(1)
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()

	jobQueue, err := queue.NewRedisQueue(cfg.RedisURL, cfg.LeaseDuration)
	if err != nil {
		logger.WithError(err).Error("failed to connect job queue")
		os.Exit(1)
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			logger.WithError(err).Error("failed to close job queue")
		}
	}()

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close kafka client")
		}
	}()

	// Chain client and claim finder
	commitment, err := chain.ParseCommitment(cfg.CommitmentLevel)
	if err != nil {
		logger.WithError(err).Error("invalid commitment level")
		os.Exit(1)
	}
	chainClient := chain.NewRPCClient(cfg.ChainRPCURL, commitment)
	finder := claims.NewFinder(chainClient, registryProgram, logger.Logger)

	validator := validation.NewWithdrawValidator(cfg.FeeVariableBps, cfg.FeeFixed)

	// Worker-side transitions drop the job's status cache entry
	workerStore := manager.WorkerStore()
	pipeline := worker.NewPipeline(
		&worker.Config{
			MaxRetries:        cfg.MaxRetries,
			BackoffBase:       cfg.BackoffBase,
			BackoffMax:        cfg.BackoffMax,
			ConfirmTimeout:    cfg.RequestTimeout,
			ConfirmPollPeriod: cfg.PollInterval,
			WithdrawalProgram: withdrawalProgram,
			RelayAuthority:    relayAuthority,
		},
		workerStore, manager.Nullifiers, jobQueue, chainClient, finder,
		kafkaClient, manager.Influx, logger,
	)
	pool := worker.NewPool(cfg.WorkerPoolSize, cfg.PollInterval, jobQueue, pipeline, manager.Influx, logger)

	server := api.NewServer(
		&api.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort),
			RateLimit:       cfg.RateLimit,
			RateLimitWindow: cfg.RateLimitWindow,
		},
		managerStore{manager}, manager.Redis, jobQueue, validator, kafkaClient,
		[]api.HealthChecker{manager}, logger,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Re-enqueue jobs left in flight by a previous process
	if err := worker.Recover(ctx, workerStore, jobQueue, cfg.LeaseDuration, logger); err != nil {
		logger.WithError(err).Error("boot recovery failed")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	go func() {
		if err := server.Run(); err != nil {
			logger.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	// Wait for shutdown signal or a fatal component failure
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown failed")
	}

	pool.Shutdown()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		logger.Error("worker pool did not drain in time")
	}

	logger.Info("relayd stopped")
}

// managerStore adapts the database manager to the API's job store: writes
// go through the manager's breaker and retry wrapping, reads hit the
// repository directly.
type managerStore struct {
	*database.Manager
}

func (m managerStore) GetJob(ctx context.Context, jobID string) (*postgres.Job, error) {
	return m.Jobs.GetJob(ctx, jobID)
}

func (m managerStore) CancelIfQueued(ctx context.Context, jobID string) error {
	return m.Jobs.CancelIfQueued(ctx, jobID)
}

func (m managerStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return m.Jobs.CountByStatus(ctx)
}
