// Package audit exports recorded calls to the archive in batches.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm_broker/internal/logging"
	"llm_broker/internal/metrics"
	"llm_broker/internal/queue"
	"llm_broker/internal/utils"
)

// Config controls batching and retries of the export
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns default export configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// Worker drains the call queue into an archive. Batches that still fail
// after MaxRetries go to the dead-letter queue.
type Worker struct {
	queue   queue.Queue[logging.CallRecord]
	dlq     queue.DeadLetterQueue[logging.CallRecord]
	archive logging.Archive
	config  Config
	metrics *metrics.Metrics
	logger  *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a new export worker
func NewWorker(q queue.Queue[logging.CallRecord], dlq queue.DeadLetterQueue[logging.CallRecord], archive logging.Archive, cfg Config, m *metrics.Metrics) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if archive == nil {
		archive = logging.NewNoopArchive()
	}

	return &Worker{
		queue:       q,
		dlq:         dlq,
		archive:     archive,
		config:      cfg,
		metrics:     m,
		logger:      utils.NewLogger("audit-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Publish queues a record for export
func (w *Worker) Publish(ctx context.Context, rec logging.CallRecord) error {
	return w.queue.Enqueue(ctx, rec)
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the queue, exports what is left and waits for the worker
func (w *Worker) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	<-w.stoppedChan
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Audit worker stopping")
			w.drain()
			return
		case <-ctx.Done():
			w.logger.Info("Audit worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// drain exports queued records with a fresh context after a stop request
func (w *Worker) drain() {
	_ = w.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		records, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil || len(records) == 0 {
			return
		}
		w.export(ctx, records)
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	records, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrQueueClosed) {
			return
		}
		w.logger.Error("Failed to dequeue call records", "error", err)
		w.wait(ctx, time.Second) // Back off on error
		return
	}

	if n, err := w.queue.Length(ctx); err == nil {
		w.metrics.SetAuditQueueDepth(n)
	}
	if len(records) == 0 {
		return
	}

	w.export(ctx, records)
}

// export writes one batch with retries and exponential backoff
func (w *Worker) export(ctx context.Context, records []logging.CallRecord) {
	w.logger.Debug("Exporting call batch", "count", len(records))

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying call batch", "attempt", attempt, "backoff", backoff)
			if !w.wait(ctx, backoff) {
				break
			}
		}

		attempts++
		location, err := w.archive.WriteBatch(ctx, records)
		if err == nil {
			w.metrics.IncAuditExport("exported", len(records))
			w.logger.Debug("Call batch exported", "location", location, "count", len(records))
			return
		}
		lastErr = err
		w.logger.Error("Failed to export call batch", "attempt", attempt, "error", err)
	}

	w.deadLetter(records, attempts, fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr))
}

func (w *Worker) deadLetter(records []logging.CallRecord, attempts int, cause error) {
	w.metrics.IncAuditExport("dead_lettered", len(records))
	if w.dlq == nil {
		w.logger.Warn("Dropping call batch, no dead letter queue", "count", len(records), "error", cause)
		return
	}

	// the DLQ must not depend on a cancelled worker context
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, rec := range records {
		if err := w.dlq.Add(ctx, rec, attempts, cause); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "call_id", rec.CallID, "error", err)
		}
	}
	w.logger.Warn("Call batch moved to DLQ", "count", len(records), "error", cause)
}

// wait sleeps for d and reports false when interrupted
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

// QueueLength returns the current queue length
func (w *Worker) QueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// DeadLetters returns records from the dead letter queue
func (w *Worker) DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetter[logging.CallRecord], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetter re-queues a dead-lettered record
func (w *Worker) RetryDeadLetter(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dl := range items {
		if dl.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dl.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}
