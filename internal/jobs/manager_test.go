package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
	"llm_broker/internal/settlement"
)

func TestCreateJob(t *testing.T) {
	f := newFixture(t, 10, nil)
	corr := "req-42"

	job, err := f.manager.CreateJob(context.Background(), CreateJobInput{
		TeamID:        f.team.ID,
		JobType:       "summarize",
		CorrelationID: &corr,
		Metadata:      models.JSONB{"source": "crm"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, f.team.OrganizationID, job.OrganizationID)
	assert.Equal(t, "crm", job.Metadata["source"])
	assert.False(t, job.CreditApplied)

	stored := f.store.Job(job.ID)
	assert.Equal(t, job.ID, stored.ID)
}

func TestCreateJob_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("missing job type", func(t *testing.T) {
		f := newFixture(t, 10, nil)
		_, err := f.manager.CreateJob(ctx, CreateJobInput{TeamID: f.team.ID, JobType: "  "})
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("unknown team", func(t *testing.T) {
		f := newFixture(t, 10, nil)
		_, err := f.manager.CreateJob(ctx, CreateJobInput{TeamID: uuid.New(), JobType: "qa"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("suspended team", func(t *testing.T) {
		f := newFixture(t, 10, nil)
		f.team.Status = models.TeamStatusSuspended
		_, err := f.manager.CreateJob(ctx, CreateJobInput{TeamID: f.team.ID, JobType: "qa"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	})

	t.Run("no remaining credit", func(t *testing.T) {
		f := newFixture(t, 0, nil)
		_, err := f.manager.CreateJob(ctx, CreateJobInput{TeamID: f.team.ID, JobType: "qa"})
		assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientCredits))
	})
}

func TestRecordCallStarted(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()
	job := f.createJob(t)

	started, err := f.manager.RecordCallStarted(ctx, f.team.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)
	firstStart := *f.store.Job(job.ID).StartedAt

	again, err := f.manager.RecordCallStarted(ctx, f.team.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, again.Status)
	assert.Equal(t, firstStart, *f.store.Job(job.ID).StartedAt, "started_at is stamped once")

	_, err = f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusFailed, nil)
	require.NoError(t, err)

	_, err = f.manager.RecordCallStarted(ctx, f.team.ID, job.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
}

func TestOwnership(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()
	job := f.createJob(t)
	other := uuid.New()

	_, err := f.manager.GetJob(ctx, other, job.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.manager.MergeMetadata(ctx, other, job.ID, models.JSONB{"a": 1})
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.manager.CompleteJob(ctx, other, job.ID, models.JobStatusCompleted, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.manager.JobCosts(ctx, other, job.ID)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))

	_, err = f.manager.GetJob(ctx, f.team.ID, uuid.New())
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestMergeMetadata(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()
	job, err := f.manager.CreateJob(ctx, CreateJobInput{TeamID: f.team.ID, JobType: "qa", Metadata: models.JSONB{"a": "1", "b": "2"}})
	require.NoError(t, err)

	merged, err := f.manager.MergeMetadata(ctx, f.team.ID, job.ID, models.JSONB{"b": "3", "c": "4"})
	require.NoError(t, err)
	assert.Equal(t, models.JSONB{"a": "1", "b": "3", "c": "4"}, merged)

	_, err = f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusFailed, nil)
	require.NoError(t, err)

	_, err = f.manager.MergeMetadata(ctx, f.team.ID, job.ID, models.JSONB{"d": "5"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
}

func TestCompleteJob_InvalidOutcome(t *testing.T) {
	f := newFixture(t, 10, nil)
	job := f.createJob(t)

	_, err := f.manager.CompleteJob(context.Background(), f.team.ID, job.ID, models.JobStatusInProgress, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestCompleteJob_SecondCompletionIsInvalidState(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()
	job := f.createJob(t)
	_, err := f.calls.Call(ctx, f.team.ID, job.ID, question())
	require.NoError(t, err)

	summary, err := f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusCompleted, models.JSONB{"result": "ok"})
	require.NoError(t, err)
	assert.True(t, summary.Settlement.Applied)
	assert.Equal(t, "ok", summary.Job.Metadata["result"])
	assert.Equal(t, "ok", f.store.Job(job.ID).Metadata["result"])

	_, err = f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusCompleted, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
	assert.Equal(t, int64(9), f.store.Credit(f.team.ID).Remaining())
}

func TestCompleteJob_ZeroCallJobSettles(t *testing.T) {
	f := newFixture(t, 5, nil)
	job := f.createJob(t)

	summary, err := f.manager.CompleteJob(context.Background(), f.team.ID, job.ID, models.JobStatusCompleted, nil)
	require.NoError(t, err)
	assert.True(t, summary.Settlement.Applied)
	assert.Equal(t, 0, summary.Totals.CallCount)
	assert.Equal(t, int64(4), f.store.Credit(f.team.ID).Remaining())
}

func TestCompleteJob_InsufficientCreditRollsBack(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx := context.Background()
	job := f.createJob(t)
	f.store.SetCreditLimit(f.team.ID, 0)

	_, err := f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusCompleted, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInsufficientCredits))

	stored := f.store.Job(job.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status, "the terminal transition is rolled back")
	assert.Nil(t, stored.CompletedAt)
	assert.Empty(t, f.store.Transactions(f.team.ID))
}

func TestCompleteJob_ConcurrentCompletionsSettleOnce(t *testing.T) {
	f := newFixture(t, 100, nil)
	ctx := context.Background()
	job := f.createJob(t)
	_, err := f.calls.Call(ctx, f.team.ID, job.ID, question())
	require.NoError(t, err)

	const n = 2
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary, err := f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusCompleted, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
				rejected++
				return
			}
			if summary.Settlement.Applied {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int64(99), f.store.Credit(f.team.ID).Remaining())
	assert.Len(t, f.store.Transactions(f.team.ID), 1)
}

func TestCompleteJob_FailedOutcome(t *testing.T) {
	f := newFixture(t, 10, nil)
	ctx := context.Background()
	job := f.createJob(t)
	_, err := f.calls.Call(ctx, f.team.ID, job.ID, question())
	require.NoError(t, err)

	summary, err := f.manager.CompleteJob(ctx, f.team.ID, job.ID, models.JobStatusFailed, nil)
	require.NoError(t, err)

	assert.False(t, summary.Settlement.Applied)
	assert.Equal(t, settlement.ReasonJobFailed, summary.Settlement.Reason)
	assert.Equal(t, models.JobStatusFailed, f.store.Job(job.ID).Status)
	assert.Equal(t, int64(10), f.store.Credit(f.team.ID).Remaining())
}

func TestManager_FollowsJobStateMachine(t *testing.T) {
	ctx := context.Background()

	for _, outcome := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
		t.Run(string(outcome)+" from pending", func(t *testing.T) {
			f := newFixture(t, 10, nil)
			job := f.createJob(t)
			require.True(t, models.JobStatusPending.CanTransitionTo(outcome))

			summary, err := f.manager.CompleteJob(ctx, f.team.ID, job.ID, outcome, nil)
			require.NoError(t, err)
			assert.Equal(t, outcome, summary.Job.Status)
			require.NotNil(t, summary.Job.CompletedAt)
			assert.Nil(t, f.store.Job(job.ID).StartedAt, "a job may finish without ever starting")

			for _, next := range []models.JobStatus{models.JobStatusInProgress, models.JobStatusCompleted, models.JobStatusFailed} {
				assert.False(t, outcome.CanTransitionTo(next))
			}
			_, err = f.manager.RecordCallStarted(ctx, f.team.ID, job.ID)
			assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState))
			for _, again := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed} {
				_, err = f.manager.CompleteJob(ctx, f.team.ID, job.ID, again, nil)
				assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidState), "%s -> %s", outcome, again)
			}
			assert.Equal(t, outcome, f.store.Job(job.ID).Status)
		})
	}
}
