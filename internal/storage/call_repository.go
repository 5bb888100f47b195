package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"llm_broker/internal/models"
)

// CallRepository handles the append-only call ledger
type CallRepository struct {
	db *DB
}

// NewCallRepository creates a new call repository
func NewCallRepository(db *DB) *CallRepository {
	return &CallRepository{db: db}
}

// Insert writes one call row. Rows are never updated.
func (r *CallRepository) Insert(ctx context.Context, call *models.Call) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO calls (id, job_id, alias, provider, model, purpose, input_tokens, output_tokens,
		                   tokens_estimated, provider_cost, client_cost, latency_ms, finish_reason,
		                   streamed, error, created_at)
		VALUES (:id, :job_id, :alias, :provider, :model, :purpose, :input_tokens, :output_tokens,
		        :tokens_estimated, :provider_cost, :client_cost, :latency_ms, :finish_reason,
		        :streamed, :error, :created_at)
	`
	if _, err := r.db.conn.NamedExecContext(ctx, query, call); err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}
	return nil
}

// ListByJob returns the calls of a job ordered by creation time
func (r *CallRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Call, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	return listCalls(ctx, r.db.conn, jobID)
}
