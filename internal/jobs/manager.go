// Package jobs implements the job lifecycle: creation, call bookkeeping,
// metadata and completion with credit settlement.
//
// A job moves pending -> in_progress -> completed | failed. Terminal states
// are final. Every operation is scoped to the calling team: a job of another
// team is reported as not found.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/settlement"
	"llm_broker/internal/storage"
	"llm_broker/internal/utils"
)

var tracer = otel.Tracer("llm_broker/jobs")

// JobStore persists jobs outside of completion.
type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkStarted(ctx context.Context, id uuid.UUID) (bool, error)
	MergeMetadata(ctx context.Context, id uuid.UUID, patch models.JSONB) (models.JSONB, error)
}

// TeamLookup reads teams and their balance
type TeamLookup interface {
	GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error)
	GetCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error)
}

// CallLister reads the recorded calls of a job
type CallLister interface {
	ListCalls(ctx context.Context, jobID uuid.UUID) ([]models.Call, error)
}

// Tx is the completion transaction: settlement plus the job row.
type Tx interface {
	settlement.Tx
	ListCalls(ctx context.Context, jobID uuid.UUID) ([]models.Call, error)
	FinishJob(ctx context.Context, job *models.Job) error
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

// CreateJobInput describes a new job.
type CreateJobInput struct {
	TeamID        uuid.UUID
	JobType       string
	CorrelationID *string
	Metadata      models.JSONB
}

// JobSummary is the result of completing a job.
type JobSummary struct {
	Job        *models.Job
	Totals     Totals
	Settlement settlement.Result
	Calls      []models.Call
}

// Manager owns the job state machine.
type Manager struct {
	store   JobStore
	teams   TeamLookup
	calls   CallLister
	runner  Runner
	engine  *settlement.Engine
	metrics *metrics.Metrics
	logger  *utils.Logger
	now     func() time.Time
}

// NewManager creates a job manager
func NewManager(store JobStore, teams TeamLookup, calls CallLister, runner Runner, engine *settlement.Engine, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   store,
		teams:   teams,
		calls:   calls,
		runner:  runner,
		engine:  engine,
		metrics: m,
		logger:  utils.NewLogger("jobs"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob creates a pending job for an active team with remaining credit.
func (m *Manager) CreateJob(ctx context.Context, in CreateJobInput) (*models.Job, error) {
	jobType := strings.TrimSpace(in.JobType)
	if jobType == "" {
		return nil, apperrors.Validation("job_type is required")
	}

	team, err := m.teams.GetTeam(ctx, in.TeamID)
	if err != nil {
		if errors.Is(err, storage.ErrTeamNotFound) {
			return nil, apperrors.Validation("unknown team %s", in.TeamID)
		}
		return nil, apperrors.Internal(err, "failed to load team")
	}
	if !team.IsActive() {
		return nil, apperrors.Validation("team %s is %s", team.ID, team.Status)
	}

	credit, err := m.teams.GetCredit(ctx, team.ID)
	if err != nil {
		if errors.Is(err, storage.ErrTeamCreditNotFound) {
			return nil, apperrors.InsufficientCreditsOrSuspended("team %s has no credit balance", team.ID)
		}
		return nil, apperrors.Internal(err, "failed to load team credit")
	}
	if !credit.CanSpend(1) {
		return nil, apperrors.InsufficientCreditsOrSuspended("team %s has no remaining credit", team.ID)
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = models.JSONB{}
	}
	job := &models.Job{
		ID:             uuid.New(),
		TeamID:         team.ID,
		OrganizationID: team.OrganizationID,
		CorrelationID:  in.CorrelationID,
		JobType:        jobType,
		Status:         models.JobStatusPending,
		Metadata:       metadata,
		CreatedAt:      m.now(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, apperrors.Internal(err, "failed to create job")
	}

	m.logger.Info("Job created", "job_id", job.ID, "team_id", job.TeamID, "job_type", job.JobType)
	return job, nil
}

// GetJob returns a job of the team.
func (m *Manager) GetJob(ctx context.Context, teamID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil, apperrors.NotFound("job %s not found", jobID)
		}
		return nil, apperrors.Internal(err, "failed to load job")
	}
	if job.TeamID != teamID {
		return nil, apperrors.NotFound("job %s not found", jobID)
	}
	return job, nil
}

// RecordCallStarted moves a pending job to in_progress. It is a no-op for a
// job already in progress and fails for a terminal one.
func (m *Manager) RecordCallStarted(ctx context.Context, teamID, jobID uuid.UUID) (*models.Job, error) {
	job, err := m.GetJob(ctx, teamID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusInProgress {
		return job, nil
	}
	if !job.Status.CanTransitionTo(models.JobStatusInProgress) {
		return nil, apperrors.InvalidState("job %s is %s", job.ID, job.Status)
	}

	started, err := m.store.MarkStarted(ctx, job.ID)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to start job")
	}
	if !started {
		// lost the race: someone else started or finished the job
		job, err = m.GetJob(ctx, teamID, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, apperrors.InvalidState("job %s is %s", job.ID, job.Status)
		}
		return job, nil
	}

	now := m.now()
	job.Status = models.JobStatusInProgress
	job.StartedAt = &now
	return job, nil
}

// MergeMetadata shallow-merges patch into the metadata of a non-terminal job
func (m *Manager) MergeMetadata(ctx context.Context, teamID, jobID uuid.UUID, patch models.JSONB) (models.JSONB, error) {
	if _, err := m.GetJob(ctx, teamID, jobID); err != nil {
		return nil, err
	}
	merged, err := m.store.MergeMetadata(ctx, jobID, patch)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrJobTerminal):
			return nil, apperrors.InvalidState("job %s is terminal", jobID)
		case errors.Is(err, storage.ErrJobNotFound):
			return nil, apperrors.NotFound("job %s not found", jobID)
		}
		return nil, apperrors.Internal(err, "failed to merge job metadata")
	}
	return merged, nil
}

// JobCosts itemizes the recorded calls of a job
func (m *Manager) JobCosts(ctx context.Context, teamID, jobID uuid.UUID) (*CostBreakdown, error) {
	if _, err := m.GetJob(ctx, teamID, jobID); err != nil {
		return nil, err
	}
	calls, err := m.calls.ListCalls(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return Breakdown(jobID, calls), nil
}

// CompleteJob moves a job to its terminal outcome and settles it, all in
// one transaction. A job that already reached a terminal state yields an
// InvalidState error, so of two racing completions exactly one succeeds.
func (m *Manager) CompleteJob(ctx context.Context, teamID, jobID uuid.UUID, outcome models.JobStatus, patch models.JSONB) (*JobSummary, error) {
	if !outcome.IsOutcome() {
		return nil, apperrors.Validation("status must be %q or %q", models.JobStatusCompleted, models.JobStatusFailed)
	}

	ctx, span := tracer.Start(ctx, "jobs.complete", trace.WithAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("job.outcome", string(outcome)),
	))
	defer span.End()

	var summary JobSummary
	err := m.runner.RunInTx(ctx, func(tx Tx) error {
		job, err := tx.LockJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				return apperrors.NotFound("job %s not found", jobID)
			}
			return apperrors.Internal(err, "failed to lock job")
		}
		if job.TeamID != teamID {
			return apperrors.NotFound("job %s not found", jobID)
		}
		if !job.Status.CanTransitionTo(outcome) {
			return apperrors.InvalidState("job %s is already %s", job.ID, job.Status)
		}

		calls, err := tx.ListCalls(ctx, job.ID)
		if err != nil {
			return apperrors.Internal(err, "failed to read job calls")
		}

		now := m.now()
		job.Status = outcome
		job.CompletedAt = &now
		if len(patch) > 0 {
			job.Metadata = job.Metadata.Merge(patch)
		}
		if err := tx.FinishJob(ctx, job); err != nil {
			if errors.Is(err, storage.ErrJobTerminal) {
				return apperrors.InvalidState("job %s is already terminal", job.ID)
			}
			return apperrors.Internal(err, "failed to finish job")
		}

		res, err := m.engine.Settle(ctx, tx, job, outcome, calls)
		if err != nil {
			return err
		}

		summary = JobSummary{Job: job, Totals: Aggregate(calls), Settlement: res, Calls: calls}
		return nil
	})
	if err != nil {
		var ae *apperrors.Error
		if !errors.As(err, &ae) {
			err = apperrors.Internal(err, "failed to complete job")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("job.credit_applied", summary.Settlement.Applied),
		attribute.Int("job.calls", summary.Totals.CallCount),
	)
	m.logger.Info("Job completed",
		"job_id", jobID,
		"status", outcome,
		"calls", summary.Totals.CallCount,
		"credit_applied", summary.Settlement.Applied,
		"reason", summary.Settlement.Reason,
	)
	return &summary, nil
}

func teamLookupError(err error, teamID uuid.UUID) error {
	if errors.Is(err, storage.ErrTeamNotFound) {
		return apperrors.NotFound("team %s not found", teamID)
	}
	return apperrors.Internal(err, "failed to load team")
}
