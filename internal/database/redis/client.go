// Package redis provides the relay's hot-path cache: job status reads for
// the API and intake rate limiting. The durable queue has its own Redis
// structures under internal/queue.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis caching operations
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Job status cache

// SetJobStatus caches a job status snapshot with expiration. Terminal
// statuses get a longer TTL since they never change again.
func (c *Client) SetJobStatus(ctx context.Context, jobID string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal job status: %w", err)
	}

	key := fmt.Sprintf("job_status:%s", jobID)
	if err := c.rdb.Set(ctx, key, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}

	return nil
}

// GetJobStatus retrieves a cached job status snapshot. Returns false when
// the cache has no entry.
func (c *Client) GetJobStatus(ctx context.Context, jobID string, dest any) (bool, error) {
	key := fmt.Sprintf("job_status:%s", jobID)
	jsonData, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to get job status: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal job status: %w", err)
	}

	return true, nil
}

// InvalidateJobStatus drops a cached snapshot after a status change.
func (c *Client) InvalidateJobStatus(ctx context.Context, jobID string) error {
	key := fmt.Sprintf("job_status:%s", jobID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to invalidate job status: %w", err)
	}
	return nil
}

// Rate limiting

// CheckRateLimit implements a sliding-window rate limit. Returns true when
// the request is allowed.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	fullKey := fmt.Sprintf("ratelimit:%s", key)

	count, err := c.rdb.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	if count == 1 {
		if err := c.rdb.Expire(ctx, fullKey, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit expiration: %w", err)
		}
	}

	return count <= limit, nil
}
