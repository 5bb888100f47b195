package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "llm_broker:"

// RedisQueue implements Queue using a Redis list of JSON documents. The
// client is shared and not closed by the queue.
type RedisQueue[T any] struct {
	client *redis.Client
	qKey   string
	closed atomic.Bool
}

// NewRedisQueue creates a new Redis-backed queue
func NewRedisQueue[T any](client *redis.Client, name string) *RedisQueue[T] {
	return &RedisQueue[T]{
		client: client,
		qKey:   keyPrefix + "queue:" + name,
	}
}

// Enqueue adds an item to the queue
func (q *RedisQueue[T]) Enqueue(ctx context.Context, item T) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// Dequeue retrieves items from the queue
func (q *RedisQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	return q.dequeue(ctx, maxItems, 0)
}

// DequeueWithTimeout retrieves items with a timeout. Redis rounds timeouts
// below one second up to one second.
func (q *RedisQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	return q.dequeue(ctx, maxItems, timeout)
}

func (q *RedisQueue[T]) dequeue(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	if maxItems <= 0 {
		maxItems = 1
	}

	// a closed queue still hands out what is left, without blocking
	if q.closed.Load() {
		items, err := q.popMore(ctx, make([]T, 0, maxItems), maxItems)
		if err == nil && len(items) == 0 {
			return nil, ErrQueueClosed
		}
		return items, err
	}

	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []T{}, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	items := make([]T, 0, maxItems)
	// result[0] is the key, result[1] is the value
	if item, ok := decode[T](result[1]); ok {
		items = append(items, item)
	}
	return q.popMore(ctx, items, maxItems)
}

// popMore takes more items without blocking. Malformed entries are dropped.
func (q *RedisQueue[T]) popMore(ctx context.Context, items []T, maxItems int) ([]T, error) {
	for len(items) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			if len(items) > 0 {
				return items, nil
			}
			return nil, fmt.Errorf("failed to pop from Redis: %w", err)
		}
		if item, ok := decode[T](raw); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func decode[T any](raw string) (T, bool) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, false
	}
	return item, true
}

// Length returns the current queue length
func (q *RedisQueue[T]) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close stops accepting items
func (q *RedisQueue[T]) Close() error {
	q.closed.Store(true)
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue[T any] struct {
	client *redis.Client
	dlKey  string
	closed atomic.Bool
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue[T any](client *redis.Client, name string) *RedisDeadLetterQueue[T] {
	return &RedisDeadLetterQueue[T]{
		client: client,
		dlKey:  keyPrefix + "dlq:" + name,
	}
}

// Add adds a failed item to the dead letter queue
func (q *RedisDeadLetterQueue[T]) Add(ctx context.Context, item T, attempts int, err error) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	dl := newDeadLetter(item, attempts, err)
	data, marshalErr := json.Marshal(dl)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dl.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List returns up to maxItems dead letters, oldest first. maxItems <= 0 lists all.
func (q *RedisDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetter[T], error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetter[T], 0, len(results))
	for _, data := range results {
		var dl DeadLetter[T]
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			continue // Skip malformed items
		}
		items = append(items, dl)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close shuts down the dead letter queue
func (q *RedisDeadLetterQueue[T]) Close() error {
	q.closed.Store(true)
	return nil
}
