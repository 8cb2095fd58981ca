package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Pending and leased are sorted sets scored by unix
// milliseconds: visible-at for pending, lease expiry for leased.
const (
	keyPending    = "relay:jobs:pending"
	keyLeased     = "relay:jobs:leased"
	keyDeliveries = "relay:jobs:deliveries"
	keyDead       = "relay:jobs:dead"
)

// dequeueScript atomically moves the oldest visible job from pending to
// leased and bumps its delivery counter.
var dequeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local n = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, n}
`)

// reapScript returns every expired lease to the pending set.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #ids
`)

// RedisQueue is the production queue backed by Redis sorted sets.
type RedisQueue struct {
	rdb           *redis.Client
	leaseDuration time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(url string, leaseDuration time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisQueue{rdb: rdb, leaseDuration: leaseDuration}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Health checks Redis connectivity.
func (q *RedisQueue) Health(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	visibleAt := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, keyPending, redis.Z{Score: float64(visibleAt), Member: jobID}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	now := time.Now().UnixMilli()
	leaseUntil := time.Now().Add(q.leaseDuration).UnixMilli()

	result, err := dequeueScript.Run(ctx, q.rdb,
		[]string{keyPending, keyLeased, keyDeliveries}, now, leaseUntil).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	entry, ok := result.([]interface{})
	if !ok || len(entry) != 2 {
		return nil, fmt.Errorf("unexpected dequeue script result: %v", result)
	}
	jobID, _ := entry[0].(string)
	deliveries, _ := entry[1].(int64)

	return &Message{JobID: jobID, Deliveries: deliveries}, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	removed, err := q.rdb.ZRem(ctx, keyLeased, msg.JobID).Result()
	if err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	if removed == 0 {
		return ErrNotLeased
	}
	q.rdb.HDel(ctx, keyDeliveries, msg.JobID)
	return nil
}

// Nack implements Queue.
func (q *RedisQueue) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	removed, err := q.rdb.ZRem(ctx, keyLeased, msg.JobID).Result()
	if err != nil {
		return fmt.Errorf("failed to nack job: %w", err)
	}
	if removed == 0 {
		return ErrNotLeased
	}

	visibleAt := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, keyPending, redis.Z{Score: float64(visibleAt), Member: msg.JobID}).Err(); err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return nil
}

// DeadLetter implements Queue.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	removed, err := q.rdb.ZRem(ctx, keyLeased, msg.JobID).Result()
	if err != nil {
		return fmt.Errorf("failed to remove leased job: %w", err)
	}
	if removed == 0 {
		return ErrNotLeased
	}
	q.rdb.HDel(ctx, keyDeliveries, msg.JobID)

	record, err := json.Marshal(&DeadLetterRecord{
		JobID:      msg.JobID,
		Reason:     reason,
		Deliveries: msg.Deliveries,
		FailedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter record: %w", err)
	}

	if err := q.rdb.LPush(ctx, keyDead, record).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter record: %w", err)
	}
	return nil
}

// ReapExpired implements Queue.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	count, err := reapScript.Run(ctx, q.rdb, []string{keyLeased, keyPending}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return count, nil
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (int64, int64, error) {
	pending, err := q.rdb.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	leased, err := q.rdb.ZCard(ctx, keyLeased).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count leased jobs: %w", err)
	}
	return pending, leased, nil
}
