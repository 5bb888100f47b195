package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/audit"
	"llm_broker/internal/logging"
	"llm_broker/internal/queue"
)

func TestDeadLetterCommands(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue[logging.CallRecord](queue.DefaultConfig("call_audit"))
	dlq := queue.NewMemoryDeadLetterQueue[logging.CallRecord]()
	w := audit.NewWorker(q, dlq, nil, audit.Config{}, nil)

	rec := logging.CallRecord{CallID: uuid.New(), JobID: uuid.New(), Alias: "fast"}
	require.NoError(t, dlq.Add(ctx, rec, 4, errors.New("bucket unreachable")))
	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	var out bytes.Buffer
	require.NoError(t, listDeadLetters(ctx, w, &out, 10))
	assert.Contains(t, out.String(), "0 records waiting for export, 1 dead letters shown")
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), rec.CallID.String())
	assert.Contains(t, out.String(), "attempts=4  bucket unreachable")

	out.Reset()
	require.NoError(t, retryDeadLetters(ctx, w, &out, []string{id}))
	assert.Equal(t, "requeued "+id+"\n", out.String())

	n, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left)

	err = retryDeadLetters(ctx, w, &out, []string{id})
	assert.ErrorIs(t, err, queue.ErrItemNotFound)
}
