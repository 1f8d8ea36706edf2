package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey     = "readings:ready"
	scheduledKey = "readings:scheduled"
)

// RedisQueue is the dispatch channel between admission and the worker
// pool. It carries reading IDs only; the Postgres readings table is the
// system of record, so a lost or duplicated entry is recoverable by
// re-deriving work from queued and stale-processing rows.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue builds a queue on an existing Redis client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Enqueue makes a reading id available to exactly one popper.
func (q *RedisQueue) Enqueue(ctx context.Context, id string) error {
	return q.client.RPush(ctx, readyKey, id).Err()
}

// Pop blocks for up to timeout waiting for a reading id. It returns ""
// when the wait times out without an item.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BLPop(ctx, timeout, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) < 2 {
		return "", fmt.Errorf("unexpected blpop reply: %v", res)
	}
	return res[1], nil
}

// Schedule defers a reading until runAt, for retry backoff.
func (q *RedisQueue) Schedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: id,
	}).Err()
}

// PromoteDue moves due scheduled readings into the ready queue. It
// returns how many were promoted.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, scheduledKey, id)
		pipe.RPush(ctx, readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Remove drops a reading id from both the ready queue and the scheduled
// set, for cancellation.
func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, readyKey, 0, id)
	pipe.ZRem(ctx, scheduledKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the ready queue length.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}
