package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue[T any] struct {
	items     chan T
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue[T any](cfg Config) *MemoryQueue[T] {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultConfig(cfg.Name).Capacity
	}
	return &MemoryQueue[T]{
		items: make(chan T, capacity),
		done:  make(chan struct{}),
	}
}

func (q *MemoryQueue[T]) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Enqueue adds an item to the queue
func (q *MemoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue retrieves items from the queue
func (q *MemoryQueue[T]) Dequeue(ctx context.Context, maxItems int) ([]T, error) {
	return q.dequeue(ctx, maxItems, nil)
}

// DequeueWithTimeout retrieves items with a timeout
func (q *MemoryQueue[T]) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	return q.dequeue(ctx, maxItems, timer.C)
}

func (q *MemoryQueue[T]) dequeue(ctx context.Context, maxItems int, deadline <-chan time.Time) ([]T, error) {
	if maxItems <= 0 {
		maxItems = 1
	}

	items := make([]T, 0, maxItems)

	// Block until we get at least one item
	select {
	case item := <-q.items:
		items = append(items, item)
	case <-q.done:
		items = q.drain(items, maxItems)
		if len(items) == 0 {
			return nil, ErrQueueClosed
		}
		return items, nil
	case <-deadline:
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.drain(items, maxItems), nil
}

// drain takes more items without blocking
func (q *MemoryQueue[T]) drain(items []T, maxItems int) []T {
	for len(items) < maxItems {
		select {
		case item := <-q.items:
			items = append(items, item)
		default:
			return items
		}
	}
	return items
}

// Length returns the current queue length
func (q *MemoryQueue[T]) Length(ctx context.Context) (int, error) {
	return len(q.items), nil
}

// Close shuts down the queue
func (q *MemoryQueue[T]) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue[T any] struct {
	mu     sync.RWMutex
	items  []DeadLetter[T]
	closed bool
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue[T any]() *MemoryDeadLetterQueue[T] {
	return &MemoryDeadLetterQueue[T]{}
}

// Add adds a failed item to the dead letter queue
func (q *MemoryDeadLetterQueue[T]) Add(ctx context.Context, item T, attempts int, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, newDeadLetter(item, attempts, err))
	return nil
}

// List returns up to maxItems dead letters, oldest first. maxItems <= 0 lists all.
func (q *MemoryDeadLetterQueue[T]) List(ctx context.Context, maxItems int) ([]DeadLetter[T], error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}

	result := make([]DeadLetter[T], maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Remove removes an item from the dead letter queue
func (q *MemoryDeadLetterQueue[T]) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}

	return ErrItemNotFound
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetter[T any](item T, attempts int, err error) DeadLetter[T] {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeadLetter[T]{
		ID:        uuid.NewString(),
		Item:      item,
		Error:     msg,
		Timestamp: time.Now().UTC(),
		Attempts:  attempts,
	}
}
