package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no transition may leave s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// IsOutcome reports whether s is an acceptable completion outcome.
func (s JobStatus) IsOutcome() bool {
	return s.IsTerminal()
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusInProgress || next.IsTerminal()
	case JobStatusInProgress:
		return next.IsTerminal()
	default:
		return false
	}
}

// Job groups the provider calls of one billable operation.
type Job struct {
	ID             uuid.UUID  `db:"id" json:"job_id"`
	TeamID         uuid.UUID  `db:"team_id" json:"team_id"`
	OrganizationID *uuid.UUID `db:"organization_id" json:"organization_id,omitempty"`
	CorrelationID  *string    `db:"correlation_id" json:"correlation_id,omitempty"`
	JobType        string     `db:"job_type" json:"job_type"`
	Status         JobStatus  `db:"status" json:"status"`
	Metadata       JSONB      `db:"metadata" json:"metadata"`
	CreditApplied  bool       `db:"credit_applied" json:"credit_applied"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
