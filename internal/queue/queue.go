// Package queue provides typed work queues with two backends:
//
//  1. Memory queue (buffered channel): no persistence, no external
//     dependencies. Suited to single-instance and development deployments.
//  2. Redis queue (Redis list): persistent across restarts and shared by
//     every broker instance.
//
// Both come with a dead-letter queue that keeps items a consumer gave up on,
// together with the error that made it give up.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a FIFO of items of type T.
type Queue[T any] interface {
	// Enqueue adds an item. It never blocks on a full memory queue, it
	// returns ErrQueueFull instead.
	Enqueue(ctx context.Context, item T) error

	// Dequeue blocks until at least one item is available or ctx is done,
	// then returns up to maxItems items.
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout waits at most timeout for the first item and
	// returns an empty slice when none arrived.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the number of waiting items.
	Length(ctx context.Context) (int, error)

	// Close stops accepting items. Items already queued can still be dequeued.
	Close() error
}

// DeadLetterQueue keeps items whose processing failed for good.
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, attempts int, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetter[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetter is one item of a dead-letter queue.
type DeadLetter[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Backend selects the queue implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config holds queue configuration
type Config struct {
	// Name is the name/key suffix of the queue
	Name string

	Backend Backend

	// Capacity bounds the memory queue
	Capacity int
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:     name,
		Backend:  BackendMemory,
		Capacity: 1000,
	}
}

// New builds the queue and dead-letter queue of cfg. client is required
// for the Redis backend and ignored otherwise.
func New[T any](cfg Config, client *redis.Client) (Queue[T], DeadLetterQueue[T], error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryQueue[T](cfg), NewMemoryDeadLetterQueue[T](), nil
	case BackendRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("redis client is required for queue %q", cfg.Name)
		}
		return NewRedisQueue[T](client, cfg.Name), NewRedisDeadLetterQueue[T](client, cfg.Name), nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
