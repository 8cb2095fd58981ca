// Package database provides unified database management for the withdrawal
// relay. It coordinates operations across PostgreSQL, Redis, and InfluxDB.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shieldpool/relay/internal/database/influx"
	"github.com/shieldpool/relay/internal/database/postgres"
	"github.com/shieldpool/relay/internal/database/redis"
	"github.com/shieldpool/relay/pkg/circuit"
	"github.com/shieldpool/relay/pkg/errors"
	"github.com/shieldpool/relay/pkg/retry"
)

// Manager coordinates the relay's storage: jobs and nullifier reservations
// in PostgreSQL, status cache in Redis, metrics in InfluxDB.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Jobs       *postgres.JobRepository
	Nullifiers *postgres.NullifierRepository

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections
func NewManager(cfg *Config) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			return nil, errors.New(errors.ErrorTypeDatabase, "connection_failure",
				"multiple database connection failures").
				WithContext("redis_error", origErr.Error()).
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		OpenTimeout:     30 * time.Second,
		FailureWindow:   60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Jobs:           postgres.NewJobRepository(pgClient.DB()),
		Nullifiers:     postgres.NewNullifierRepository(pgClient.DB()),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across databases

// CreateJob stores a new withdrawal job with its nullifier reservation and
// records the intake transition. The PostgreSQL insert is the critical
// operation; metrics are best effort.
func (m *Manager) CreateJob(ctx context.Context, job *postgres.Job) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Jobs.CreateJobWithNullifier(ctx, job); err != nil {
				if err == postgres.ErrDuplicateNullifier {
					// Terminal: retrying the insert cannot succeed
					return errors.Wrap(err, errors.ErrorTypeValidation, "create_job",
						"nullifier is already reserved by another job").
						WithContext("nullifier", job.Nullifier)
				}
				return errors.Wrap(err, errors.ErrorTypeDatabase, "create_job",
					"failed to store withdrawal job").
					WithContext("job_id", job.ID)
			}

			m.Influx.WriteJobTransition(job.ID, "", postgres.JobStatusQueued, "")
			return nil
		})
	})
}

// WorkerStore adapts the manager for the worker pipeline: reads go straight
// to PostgreSQL, status updates also drop the job's Redis status cache entry
// so API reads do not keep serving a settled job as in flight.
func (m *Manager) WorkerStore() *WorkerStore {
	return &WorkerStore{jobs: m.Jobs, cache: m.Redis}
}
