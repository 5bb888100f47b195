package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_broker/internal/models"
)

const jobColumns = `id, team_id, organization_id, correlation_id, job_type, status,
	metadata, credit_applied, created_at, started_at, completed_at`

// JobRepository handles job database operations outside of settlement
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if job.Metadata == nil {
		job.Metadata = models.JSONB{}
	}

	query := `
		INSERT INTO jobs (id, team_id, organization_id, correlation_id, job_type, status,
		                  metadata, credit_applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8)
	`
	_, err := r.db.conn.ExecContext(ctx, query,
		job.ID, job.TeamID, job.OrganizationID, job.CorrelationID, job.JobType, job.Status,
		job.Metadata, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var job models.Job
	err := r.db.conn.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// MarkStarted moves a pending job to in_progress. It reports whether this
// call performed the transition.
func (r *JobRepository) MarkStarted(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	res, err := r.db.conn.ExecContext(ctx, `
		UPDATE jobs SET status = 'in_progress', started_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark job started: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// MergeMetadata shallow-merges patch into a non-terminal job's metadata and
// returns the merged document.
func (r *JobRepository) MergeMetadata(ctx context.Context, id uuid.UUID, patch models.JSONB) (models.JSONB, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var merged models.JSONB
	err := r.db.conn.GetContext(ctx, &merged, `
		UPDATE jobs SET metadata = metadata || $2::jsonb
		WHERE id = $1 AND status IN ('pending', 'in_progress')
		RETURNING metadata
	`, id, patch)
	if err == nil {
		return merged, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to merge job metadata: %w", err)
	}

	// distinguish a missing job from a terminal one
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrJobTerminal
}
