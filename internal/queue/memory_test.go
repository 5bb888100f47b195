package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem{ID: 1, Name: "a"}))

	items, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, testItem{ID: 1, Name: "a"}, items[0])
}

func TestMemoryQueue_MultipleBatch(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))
	defer q.Close()
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, q.Enqueue(ctx, testItem{ID: i}))
	}

	var got []int
	for len(got) < 25 {
		items, err := q.Dequeue(ctx, 10)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(items), 10)
		for _, it := range items {
			got = append(got, it.ID)
		}
	}
	for i, id := range got {
		assert.Equal(t, i, id, "items come out in FIFO order")
	}
}

func TestMemoryQueue_DequeueWithTimeout(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))
	defer q.Close()
	ctx := context.Background()

	start := time.Now()
	items, err := q.DequeueWithTimeout(ctx, 5, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Enqueue(ctx, testItem{ID: 7})
	}()
	items, err = q.DequeueWithTimeout(ctx, 5, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 7, items[0].ID)
}

func TestMemoryQueue_Full(t *testing.T) {
	q := NewMemoryQueue[testItem](Config{Name: "small", Capacity: 2})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem{ID: 1}))
	require.NoError(t, q.Enqueue(ctx, testItem{ID: 2}))
	assert.ErrorIs(t, q.Enqueue(ctx, testItem{ID: 3}), ErrQueueFull)

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryQueue_ContextCancelled(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, 1)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMemoryQueue_CloseDrains(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, testItem{ID: 1}))
	require.NoError(t, q.Enqueue(ctx, testItem{ID: 2}))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(ctx, testItem{ID: 3}), ErrQueueClosed)

	items, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = q.Dequeue(ctx, 10)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueue_CloseWakesConsumer(t *testing.T) {
	q := NewMemoryQueue[testItem](DefaultConfig("test"))

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 1)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Close")
	}
}

func TestMemoryQueue_Concurrent(t *testing.T) {
	q := NewMemoryQueue[testItem](Config{Name: "concurrent", Capacity: 1000})
	defer q.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = q.Enqueue(ctx, testItem{ID: p*100 + i})
			}
		}(p)
	}
	wg.Wait()

	total := 0
	for total < 200 {
		items, err := q.DequeueWithTimeout(ctx, 32, time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, items)
		total += len(items)
	}
	assert.Equal(t, 200, total)
}

func TestMemoryDeadLetterQueue(t *testing.T) {
	dlq := NewMemoryDeadLetterQueue[testItem]()
	ctx := context.Background()

	require.NoError(t, dlq.Add(ctx, testItem{ID: 1}, 3, ErrMaxRetriesExceeded))
	require.NoError(t, dlq.Add(ctx, testItem{ID: 2}, 1, errors.New("boom")))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Item.ID)
	assert.Equal(t, 3, items[0].Attempts)
	assert.Equal(t, ErrMaxRetriesExceeded.Error(), items[0].Error)
	assert.NotEqual(t, items[0].ID, items[1].ID)

	limited, err := dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)

	require.NoError(t, dlq.Close())
	assert.ErrorIs(t, dlq.Add(ctx, testItem{}, 0, nil), ErrQueueClosed)
	_, err = dlq.List(ctx, 0)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNew(t *testing.T) {
	q, dlq, err := New[testItem](DefaultConfig("memory"), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue[testItem]{}, q)
	assert.IsType(t, &MemoryDeadLetterQueue[testItem]{}, dlq)

	_, _, err = New[testItem](Config{Name: "r", Backend: BackendRedis}, nil)
	assert.Error(t, err)

	_, _, err = New[testItem](Config{Name: "x", Backend: "kafka"}, nil)
	assert.Error(t, err)
}
