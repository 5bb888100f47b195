package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when a memory queue has no capacity left
	ErrQueueFull = errors.New("queue is full")

	// ErrItemNotFound is returned when a dead letter is not found
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded is recorded for items that ran out of attempts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)
