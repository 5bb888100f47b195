package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"llm_broker/internal/models"
)

const creditColumns = `team_id, credits_allocated, credits_used, credit_limit, updated_at`

// JobTx exposes the statements that run inside a settlement transaction
type JobTx struct {
	tx *sqlx.Tx
}

// LockJob loads a job and holds its row lock until the transaction ends
func (t *JobTx) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := t.tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return &job, nil
}

// ListCalls returns the calls of a job visible to the transaction
func (t *JobTx) ListCalls(ctx context.Context, jobID uuid.UUID) ([]models.Call, error) {
	return listCalls(ctx, t.tx, jobID)
}

// FinishJob stores the terminal status, completion time and metadata of a job
func (t *JobTx) FinishJob(ctx context.Context, job *models.Job) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, metadata = $4
		WHERE id = $1 AND status IN ('pending', 'in_progress')
	`, job.ID, job.Status, job.CompletedAt, job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrJobTerminal
	}
	return nil
}

// MarkCreditApplied flips credit_applied once
func (t *JobTx) MarkCreditApplied(ctx context.Context, jobID uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs SET credit_applied = true WHERE id = $1 AND credit_applied = false
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark credit applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrDuplicateTransaction
	}
	return nil
}

// LockCredit loads a team's credit row FOR UPDATE
func (t *JobTx) LockCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	var credit models.TeamCredit
	err := t.tx.GetContext(ctx, &credit,
		`SELECT `+creditColumns+` FROM team_credits WHERE team_id = $1 FOR UPDATE`, teamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTeamCreditNotFound
		}
		return nil, fmt.Errorf("failed to lock team credit: %w", err)
	}
	return &credit, nil
}

// DeductCredit consumes one credit when the team has remaining balance and
// is under its limit. ErrInsufficientCredit is returned otherwise.
func (t *JobTx) DeductCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	var credit models.TeamCredit
	err := t.tx.GetContext(ctx, &credit, `
		UPDATE team_credits
		SET credits_used = credits_used + 1, updated_at = NOW()
		WHERE team_id = $1
		  AND credits_allocated - credits_used >= 1
		  AND (credit_limit IS NULL OR credits_used < credit_limit)
		RETURNING `+creditColumns, teamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientCredit
		}
		return nil, fmt.Errorf("failed to deduct credit: %w", err)
	}
	return &credit, nil
}

// ShiftCreditsUsed moves credits_used by delta as long as neither
// credits_used nor the remaining balance goes negative.
func (t *JobTx) ShiftCreditsUsed(ctx context.Context, teamID uuid.UUID, delta int64) (*models.TeamCredit, error) {
	var credit models.TeamCredit
	err := t.tx.GetContext(ctx, &credit, `
		UPDATE team_credits
		SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE team_id = $1
		  AND credits_used + $2 >= 0
		  AND credits_allocated - (credits_used + $2) >= 0
		RETURNING `+creditColumns, teamID, delta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInsufficientCredit
		}
		return nil, fmt.Errorf("failed to shift credits used: %w", err)
	}
	return &credit, nil
}

// AddCreditsAllocated grows the allocation of a team, creating the row if needed
func (t *JobTx) AddCreditsAllocated(ctx context.Context, teamID uuid.UUID, n int64) (*models.TeamCredit, error) {
	var credit models.TeamCredit
	err := t.tx.GetContext(ctx, &credit, `
		INSERT INTO team_credits (team_id, credits_allocated, credits_used, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (team_id) DO UPDATE
		SET credits_allocated = team_credits.credits_allocated + EXCLUDED.credits_allocated,
		    updated_at = NOW()
		RETURNING `+creditColumns, teamID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate credits: %w", err)
	}
	return &credit, nil
}

// InsertTransaction appends a credit transaction. A second deduction or
// refund for the same job is rejected by a unique index and reported as
// ErrDuplicateTransaction.
func (t *JobTx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO credit_transactions (id, team_id, job_id, kind, delta, balance_before,
		                                 balance_after, reason, created_at)
		VALUES (:id, :team_id, :job_id, :kind, :delta, :balance_before,
		        :balance_after, :reason, :created_at)
	`, txn)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return nil
}

// FindTransaction returns the transaction of the given kind recorded for a job
func (t *JobTx) FindTransaction(ctx context.Context, jobID uuid.UUID, kind models.TransactionKind) (*models.CreditTransaction, error) {
	var txn models.CreditTransaction
	err := t.tx.GetContext(ctx, &txn, `
		SELECT id, team_id, job_id, kind, delta, balance_before, balance_after, reason, created_at
		FROM credit_transactions
		WHERE job_id = $1 AND kind = $2
		ORDER BY created_at
		LIMIT 1
	`, jobID, kind)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to find credit transaction: %w", err)
	}
	return &txn, nil
}

func listCalls(ctx context.Context, q sqlx.QueryerContext, jobID uuid.UUID) ([]models.Call, error) {
	calls := []models.Call{}
	err := sqlx.SelectContext(ctx, q, &calls, `
		SELECT id, job_id, alias, provider, model, purpose, input_tokens, output_tokens,
		       tokens_estimated, provider_cost, client_cost, latency_ms, finish_reason,
		       streamed, error, created_at
		FROM calls
		WHERE job_id = $1
		ORDER BY created_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, nil
}
