// Package settlement applies credit to teams: one credit per successfully
// completed job, plus explicit allocations, refunds and adjustments.
//
// Every balance change goes through a conditional update on team_credits and
// leaves exactly one credit_transactions row. Deltas are relative to the
// remaining balance, so a deduction is -1 and a refund is +1.
package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/storage"
	"llm_broker/internal/utils"
)

// Reasons a job did not settle.
const (
	ReasonJobFailed      = "job_failed"
	ReasonFailedCalls    = "failed_calls"
	ReasonAlreadyApplied = "already_applied"
)

// Tx is the transactional surface the engine runs on. Implementations
// report the storage sentinel errors.
type Tx interface {
	LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	LockCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error)
	DeductCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error)
	ShiftCreditsUsed(ctx context.Context, teamID uuid.UUID, delta int64) (*models.TeamCredit, error)
	AddCreditsAllocated(ctx context.Context, teamID uuid.UUID, n int64) (*models.TeamCredit, error)
	InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error
	FindTransaction(ctx context.Context, jobID uuid.UUID, kind models.TransactionKind) (*models.CreditTransaction, error)
	MarkCreditApplied(ctx context.Context, jobID uuid.UUID) error
}

// Runner runs fn in one transaction, committing when it returns nil.
type Runner interface {
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

// PostgresRunner adapts storage.DB to Runner.
type PostgresRunner struct {
	DB *storage.DB
}

func (r PostgresRunner) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.DB.RunInTx(ctx, func(tx *storage.JobTx) error {
		return fn(tx)
	})
}

// Result is the outcome of settling a job.
type Result struct {
	Applied       bool       `json:"applied"`
	Reason        string     `json:"reason,omitempty"`
	BalanceAfter  *int64     `json:"balance_after,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

// Engine settles jobs and moves balances.
type Engine struct {
	runner  Runner
	metrics *metrics.Metrics
	logger  *utils.Logger
}

// NewEngine creates an engine. runner is only needed by the balance
// operations, Settle runs in the caller's transaction.
func NewEngine(runner Runner, m *metrics.Metrics) *Engine {
	return &Engine{
		runner:  runner,
		metrics: m,
		logger:  utils.NewLogger("settlement"),
	}
}

// Settle deducts one credit when outcome is completed, every call of the
// job succeeded and no credit was applied yet. Not settling is reported in
// the result, never as an error. The job row must be locked by tx.
func (e *Engine) Settle(ctx context.Context, tx Tx, job *models.Job, outcome models.JobStatus, calls []models.Call) (Result, error) {
	if outcome != models.JobStatusCompleted {
		e.metrics.IncSettlement("not_applied")
		return Result{Reason: ReasonJobFailed}, nil
	}
	for i := range calls {
		if !calls[i].Succeeded() {
			e.metrics.IncSettlement("not_applied")
			return Result{Reason: ReasonFailedCalls}, nil
		}
	}
	if job.CreditApplied {
		e.metrics.IncSettlement("not_applied")
		return Result{Reason: ReasonAlreadyApplied}, nil
	}

	credit, err := tx.DeductCredit(ctx, job.TeamID)
	if err != nil {
		e.metrics.IncSettlement("rejected")
		if errors.Is(err, storage.ErrInsufficientCredit) {
			return Result{}, apperrors.InsufficientCreditsOrSuspended("team %s has no remaining credit", job.TeamID)
		}
		return Result{}, apperrors.Internal(err, "failed to deduct credit")
	}

	jobID := job.ID
	txn := &models.CreditTransaction{
		TeamID:        job.TeamID,
		JobID:         &jobID,
		Kind:          models.TransactionDeduction,
		Delta:         -1,
		BalanceBefore: credit.Remaining() + 1,
		BalanceAfter:  credit.Remaining(),
		Reason:        "job " + job.ID.String() + " completed",
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		e.metrics.IncSettlement("rejected")
		if errors.Is(err, storage.ErrDuplicateTransaction) {
			return Result{}, apperrors.InvalidState("job %s was already settled", job.ID)
		}
		return Result{}, apperrors.Internal(err, "failed to record deduction")
	}

	if err := tx.MarkCreditApplied(ctx, job.ID); err != nil {
		e.metrics.IncSettlement("rejected")
		if errors.Is(err, storage.ErrDuplicateTransaction) {
			return Result{}, apperrors.InvalidState("job %s was already settled", job.ID)
		}
		return Result{}, apperrors.Internal(err, "failed to mark credit applied")
	}

	job.CreditApplied = true
	e.metrics.IncSettlement("applied")
	e.metrics.IncCreditTransaction(string(models.TransactionDeduction))
	e.logger.Info("Job settled", "job_id", job.ID, "team_id", job.TeamID, "balance_after", txn.BalanceAfter)

	balance := txn.BalanceAfter
	txnID := txn.ID
	return Result{Applied: true, BalanceAfter: &balance, TransactionID: &txnID}, nil
}

// Allocate grants n credits to a team.
func (e *Engine) Allocate(ctx context.Context, teamID uuid.UUID, n int64, reason string) (*models.CreditTransaction, error) {
	if n <= 0 {
		return nil, apperrors.Validation("allocation must be positive")
	}

	var txn *models.CreditTransaction
	err := e.runner.RunInTx(ctx, func(tx Tx) error {
		credit, err := tx.AddCreditsAllocated(ctx, teamID, n)
		if err != nil {
			return apperrors.Internal(err, "failed to allocate credits")
		}

		txn = &models.CreditTransaction{
			TeamID:        teamID,
			Kind:          models.TransactionAllocation,
			Delta:         n,
			BalanceBefore: credit.Remaining() - n,
			BalanceAfter:  credit.Remaining(),
			Reason:        reason,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return apperrors.Internal(err, "failed to record allocation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.IncCreditTransaction(string(models.TransactionAllocation))
	e.logger.Info("Credits allocated", "team_id", teamID, "credits", n, "balance_after", txn.BalanceAfter)
	return txn, nil
}

// Refund returns the credit a job was charged. A job is refunded at most once.
func (e *Engine) Refund(ctx context.Context, jobID uuid.UUID, reason string) (*models.CreditTransaction, error) {
	var txn *models.CreditTransaction
	err := e.runner.RunInTx(ctx, func(tx Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				return apperrors.NotFound("job %s not found", jobID)
			}
			return apperrors.Internal(err, "failed to load job")
		}

		if _, err := tx.FindTransaction(ctx, jobID, models.TransactionDeduction); err != nil {
			if errors.Is(err, storage.ErrTransactionNotFound) {
				return apperrors.InvalidState("job %s was never charged", jobID)
			}
			return apperrors.Internal(err, "failed to find deduction")
		}

		credit, err := tx.ShiftCreditsUsed(ctx, job.TeamID, -1)
		if err != nil {
			if errors.Is(err, storage.ErrInsufficientCredit) {
				return apperrors.InvalidState("team %s has no used credit to refund", job.TeamID)
			}
			return apperrors.Internal(err, "failed to refund credit")
		}

		id := job.ID
		txn = &models.CreditTransaction{
			TeamID:        job.TeamID,
			JobID:         &id,
			Kind:          models.TransactionRefund,
			Delta:         1,
			BalanceBefore: credit.Remaining() - 1,
			BalanceAfter:  credit.Remaining(),
			Reason:        reason,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			if errors.Is(err, storage.ErrDuplicateTransaction) {
				return apperrors.InvalidState("job %s was already refunded", jobID)
			}
			return apperrors.Internal(err, "failed to record refund")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.IncCreditTransaction(string(models.TransactionRefund))
	e.logger.Info("Job refunded", "job_id", jobID, "team_id", txn.TeamID, "balance_after", txn.BalanceAfter)
	return txn, nil
}

// Adjust corrects a team's balance by delta credits, positive to grant and
// negative to take. The remaining balance never goes below zero.
func (e *Engine) Adjust(ctx context.Context, teamID uuid.UUID, delta int64, reason string) (*models.CreditTransaction, error) {
	if delta == 0 {
		return nil, apperrors.Validation("adjustment must not be zero")
	}
	if reason == "" {
		return nil, apperrors.Validation("adjustment requires a reason")
	}

	var txn *models.CreditTransaction
	err := e.runner.RunInTx(ctx, func(tx Tx) error {
		current, err := tx.LockCredit(ctx, teamID)
		if err != nil {
			if errors.Is(err, storage.ErrTeamCreditNotFound) {
				return apperrors.NotFound("team %s has no credit account", teamID)
			}
			return apperrors.Internal(err, "failed to load team credit")
		}
		if current.Remaining()+delta < 0 {
			return apperrors.InsufficientCreditsOrSuspended("adjustment of %d exceeds remaining credit %d", delta, current.Remaining())
		}
		if current.CreditsUsed-delta < 0 {
			return apperrors.Validation("adjustment of %d exceeds credits used %d, allocate instead", delta, current.CreditsUsed)
		}

		credit, err := tx.ShiftCreditsUsed(ctx, teamID, -delta)
		if err != nil {
			if errors.Is(err, storage.ErrInsufficientCredit) {
				return apperrors.InsufficientCreditsOrSuspended("adjustment of %d rejected", delta)
			}
			return apperrors.Internal(err, "failed to adjust credit")
		}

		txn = &models.CreditTransaction{
			TeamID:        teamID,
			Kind:          models.TransactionAdjustment,
			Delta:         delta,
			BalanceBefore: current.Remaining(),
			BalanceAfter:  credit.Remaining(),
			Reason:        reason,
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return apperrors.Internal(err, "failed to record adjustment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.IncCreditTransaction(string(models.TransactionAdjustment))
	e.logger.Info("Credits adjusted", "team_id", teamID, "delta", delta, "balance_after", txn.BalanceAfter)
	return txn, nil
}
