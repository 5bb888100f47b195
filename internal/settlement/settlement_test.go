package settlement

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
	"llm_broker/internal/storage/storagetest"
)

type memRunner struct {
	store *storagetest.Store
}

func (r memRunner) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.store.RunInTx(ctx, func(tx *storagetest.Tx) error { return fn(tx) })
}

func setup(t *testing.T, credits int64) (*Engine, *storagetest.Store, *models.Team) {
	t.Helper()
	store := storagetest.New()
	team := &models.Team{Name: "research"}
	store.AddTeam(team, credits)
	return NewEngine(memRunner{store}, nil), store, team
}

func newJob(t *testing.T, store *storagetest.Store, team *models.Team) *models.Job {
	t.Helper()
	job := &models.Job{ID: uuid.New(), TeamID: team.ID, JobType: "summarize", Status: models.JobStatusInProgress}
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func okCall(jobID uuid.UUID) models.Call {
	return models.Call{ID: uuid.New(), JobID: jobID, FinishReason: models.FinishReasonStop}
}

func failedCall(jobID uuid.UUID) models.Call {
	msg := "timeout"
	return models.Call{ID: uuid.New(), JobID: jobID, FinishReason: models.FinishReasonError, Error: &msg}
}

// settle runs Settle the way job completion does: in a transaction holding the job row.
func settle(ctx context.Context, e *Engine, store *storagetest.Store, jobID uuid.UUID, outcome models.JobStatus, calls []models.Call) (Result, error) {
	var res Result
	err := store.RunInTx(ctx, func(tx *storagetest.Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return apperrors.InvalidState("job is terminal")
		}
		job.Status = outcome
		if err := tx.FinishJob(ctx, job); err != nil {
			return err
		}
		res, err = e.Settle(ctx, tx, job, outcome, calls)
		return err
	})
	return res, err
}

func TestSettle_DeductsOneCredit(t *testing.T) {
	e, store, team := setup(t, 100)
	job := newJob(t, store, team)

	res, err := settle(context.Background(), e, store, job.ID, models.JobStatusCompleted,
		[]models.Call{okCall(job.ID), okCall(job.ID), okCall(job.ID)})
	require.NoError(t, err)

	assert.True(t, res.Applied)
	require.NotNil(t, res.BalanceAfter)
	assert.Equal(t, int64(99), *res.BalanceAfter)
	assert.Equal(t, int64(99), store.Credit(team.ID).Remaining())
	assert.True(t, store.Job(job.ID).CreditApplied)

	txns := store.Transactions(team.ID)
	require.Len(t, txns, 1)
	assert.Equal(t, models.TransactionDeduction, txns[0].Kind)
	assert.Equal(t, int64(-1), txns[0].Delta)
	assert.Equal(t, int64(100), txns[0].BalanceBefore)
	assert.Equal(t, int64(99), txns[0].BalanceAfter)
	assert.Equal(t, job.ID, *txns[0].JobID)
}

func TestSettle_NotApplied(t *testing.T) {
	tests := []struct {
		name    string
		outcome models.JobStatus
		calls   func(uuid.UUID) []models.Call
		reason  string
	}{
		{
			name:    "failed outcome",
			outcome: models.JobStatusFailed,
			calls:   func(id uuid.UUID) []models.Call { return []models.Call{okCall(id)} },
			reason:  ReasonJobFailed,
		},
		{
			name:    "failed call blocks completed job",
			outcome: models.JobStatusCompleted,
			calls:   func(id uuid.UUID) []models.Call { return []models.Call{okCall(id), failedCall(id)} },
			reason:  ReasonFailedCalls,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store, team := setup(t, 10)
			job := newJob(t, store, team)

			res, err := settle(context.Background(), e, store, job.ID, tt.outcome, tt.calls(job.ID))
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, int64(10), store.Credit(team.ID).Remaining())
			assert.Empty(t, store.Transactions(team.ID))
			assert.False(t, store.Job(job.ID).CreditApplied)
		})
	}
}

func TestSettle_InsufficientCreditRollsBack(t *testing.T) {
	e, store, team := setup(t, 0)
	job := newJob(t, store, team)

	_, err := settle(context.Background(), e, store, job.ID, models.JobStatusCompleted, []models.Call{okCall(job.ID)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientCredits))

	assert.Equal(t, models.JobStatusInProgress, store.Job(job.ID).Status, "completion must roll back")
	assert.Equal(t, int64(0), store.Credit(team.ID).CreditsUsed)
}

func TestSettle_CreditLimit(t *testing.T) {
	e, store, team := setup(t, 10)
	store.SetCreditLimit(team.ID, 1)
	ctx := context.Background()

	first := newJob(t, store, team)
	res, err := settle(ctx, e, store, first.ID, models.JobStatusCompleted, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied, "a completed job without calls still costs one credit")

	second := newJob(t, store, team)
	_, err = settle(ctx, e, store, second.ID, models.JobStatusCompleted, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientCredits))
	assert.Equal(t, int64(9), store.Credit(team.ID).Remaining())
}

func TestSettle_DuplicateDeduction(t *testing.T) {
	e, store, team := setup(t, 10)
	job := newJob(t, store, team)
	ctx := context.Background()

	err := store.RunInTx(ctx, func(tx *storagetest.Tx) error {
		locked, err := tx.LockJob(ctx, job.ID)
		require.NoError(t, err)
		_, err = e.Settle(ctx, tx, locked, models.JobStatusCompleted, nil)
		require.NoError(t, err)

		// a stale copy of the row still says credit_applied = false
		stale := *job
		_, err = e.Settle(ctx, tx, &stale, models.JobStatusCompleted, nil)
		return err
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
	assert.Equal(t, int64(10), store.Credit(team.ID).Remaining(), "the whole transaction rolls back")
}

func TestSettle_AlreadyApplied(t *testing.T) {
	e, store, team := setup(t, 10)
	job := newJob(t, store, team)
	job.CreditApplied = true

	res, err := e.Settle(context.Background(), nil, job, models.JobStatusCompleted, nil)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonAlreadyApplied, res.Reason)
}

func TestSettle_ConcurrentCompletionsSettleOnce(t *testing.T) {
	e, store, team := setup(t, 100)
	job := newJob(t, store, team)
	calls := []models.Call{okCall(job.ID)}

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := settle(context.Background(), e, store, job.ID, models.JobStatusCompleted, calls)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(99), store.Credit(team.ID).Remaining())
	assert.Len(t, store.Transactions(team.ID), 1)
}

func TestAllocate(t *testing.T) {
	e, store, team := setup(t, 5)

	txn, err := e.Allocate(context.Background(), team.ID, 20, "monthly top-up")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionAllocation, txn.Kind)
	assert.Equal(t, int64(20), txn.Delta)
	assert.Equal(t, int64(5), txn.BalanceBefore)
	assert.Equal(t, int64(25), txn.BalanceAfter)
	assert.Equal(t, int64(25), store.Credit(team.ID).Remaining())

	_, err = e.Allocate(context.Background(), team.ID, 0, "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestRefund(t *testing.T) {
	e, store, team := setup(t, 10)
	job := newJob(t, store, team)
	ctx := context.Background()

	_, err := e.Refund(ctx, job.ID, "bad output")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState), "uncharged jobs cannot be refunded")

	_, err = settle(ctx, e, store, job.ID, models.JobStatusCompleted, []models.Call{okCall(job.ID)})
	require.NoError(t, err)
	require.Equal(t, int64(9), store.Credit(team.ID).Remaining())

	txn, err := e.Refund(ctx, job.ID, "bad output")
	require.NoError(t, err)
	assert.Equal(t, int64(1), txn.Delta)
	assert.Equal(t, int64(9), txn.BalanceBefore)
	assert.Equal(t, int64(10), txn.BalanceAfter)
	assert.Equal(t, int64(10), store.Credit(team.ID).Remaining())

	_, err = e.Refund(ctx, job.ID, "again")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
	assert.Equal(t, int64(10), store.Credit(team.ID).Remaining())

	_, err = e.Refund(ctx, uuid.New(), "missing")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestAdjust(t *testing.T) {
	e, store, team := setup(t, 10)
	ctx := context.Background()

	txn, err := e.Adjust(ctx, team.ID, -4, "overage correction")
	require.NoError(t, err)
	assert.Equal(t, int64(-4), txn.Delta)
	assert.Equal(t, int64(10), txn.BalanceBefore)
	assert.Equal(t, int64(6), txn.BalanceAfter)

	txn, err = e.Adjust(ctx, team.ID, 3, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, int64(9), txn.BalanceAfter)

	_, err = e.Adjust(ctx, team.ID, -10, "too much")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientCredits))

	_, err = e.Adjust(ctx, team.ID, 5, "more than used")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = e.Adjust(ctx, team.ID, 0, "noop")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = e.Adjust(ctx, uuid.New(), 1, "unknown")
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	assert.Equal(t, int64(9), store.Credit(team.ID).Remaining())
}

func TestBalanceReproducedByDeltas(t *testing.T) {
	e, store, team := setup(t, 0)
	ctx := context.Background()

	_, err := e.Allocate(ctx, team.ID, 10, "initial")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		job := newJob(t, store, team)
		_, err := settle(ctx, e, store, job.ID, models.JobStatusCompleted, nil)
		require.NoError(t, err)
	}
	_, err = e.Adjust(ctx, team.ID, -2, "correction")
	require.NoError(t, err)

	var sum, usedSum int64
	for _, txn := range store.Transactions(team.ID) {
		sum += txn.Delta
		if txn.Kind != models.TransactionAllocation {
			usedSum -= txn.Delta
		}
	}
	credit := store.Credit(team.ID)
	assert.Equal(t, credit.Remaining(), sum)
	assert.Equal(t, credit.CreditsUsed, usedSum)
}
