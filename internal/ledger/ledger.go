// Package ledger records every provider call attempt of a job.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/cost"
	"llm_broker/internal/logging"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/utils"
)

// Store persists call rows.
type Store interface {
	Insert(ctx context.Context, call *models.Call) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Call, error)
}

// Publisher hands recorded calls to the audit export.
type Publisher interface {
	Publish(ctx context.Context, rec logging.CallRecord) error
}

// Entry describes one finished call attempt.
type Entry struct {
	CallID         uuid.UUID
	JobID          uuid.UUID
	TeamID         uuid.UUID
	OrganizationID *uuid.UUID

	Alias    string
	Provider string
	Model    string
	Purpose  string
	Streamed bool

	InputTokens     int64
	OutputTokens    int64
	TokensEstimated bool
	FinishReason    models.FinishReason

	// Err is set when the attempt failed.
	Err error

	Costs     cost.Costs
	Latency   time.Duration
	StartedAt time.Time
}

// Ledger writes call rows and forwards them to the audit export.
type Ledger struct {
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

// New creates a ledger. publisher may be nil.
func New(store Store, publisher Publisher, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    utils.NewLogger("ledger"),
	}
}

// RecordCall inserts the call row of e. A failed attempt that produced no
// usage is recorded at zero cost.
func (l *Ledger) RecordCall(ctx context.Context, e Entry) (*models.Call, error) {
	call := &models.Call{
		ID:              e.CallID,
		JobID:           e.JobID,
		Alias:           e.Alias,
		Provider:        e.Provider,
		Model:           e.Model,
		Purpose:         e.Purpose,
		InputTokens:     e.InputTokens,
		OutputTokens:    e.OutputTokens,
		TokensEstimated: e.TokensEstimated,
		ProviderCost:    e.Costs.ProviderCost,
		ClientCost:      e.Costs.ClientCost,
		LatencyMs:       e.Latency.Milliseconds(),
		FinishReason:    e.FinishReason,
		Streamed:        e.Streamed,
		CreatedAt:       e.StartedAt,
	}
	if call.ID == uuid.Nil {
		call.ID = uuid.New()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	if e.Err != nil {
		msg := ErrorText(e.Err)
		call.Error = &msg
		if call.FinishReason == "" {
			call.FinishReason = models.FinishReasonError
		}
		if e.InputTokens == 0 && e.OutputTokens == 0 {
			call.ProviderCost = cost.Zero.ProviderCost
			call.ClientCost = cost.Zero.ClientCost
		}
	}

	// the row must survive a caller that went away
	insertCtx := context.WithoutCancel(ctx)
	if err := l.store.Insert(insertCtx, call); err != nil {
		return nil, apperrors.Internal(err, "failed to record call")
	}

	l.metrics.IncCall(call.Provider, call.Succeeded(), call.Streamed)
	l.publish(insertCtx, call, e)
	return call, nil
}

func (l *Ledger) publish(ctx context.Context, call *models.Call, e Entry) {
	if l.publisher == nil {
		return
	}
	rec := logging.NewCallRecord(call, e.TeamID, e.OrganizationID)
	if err := l.publisher.Publish(ctx, rec); err != nil {
		l.logger.Warn("Failed to queue call for audit export", "call_id", call.ID, "error", err)
	}
}

// ListCalls returns the calls of a job in creation order.
func (l *Ledger) ListCalls(ctx context.Context, jobID uuid.UUID) ([]models.Call, error) {
	calls, err := l.store.ListByJob(ctx, jobID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list calls")
	}
	return calls, nil
}

// ErrorText is the error stored on a failed call row.
func ErrorText(err error) string {
	switch {
	case err == nil:
		return ""
	case apperrors.IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return apperrors.Message(err)
	}
}
