package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/jobs"
	"llm_broker/internal/middleware"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
	"llm_broker/internal/settlement"
	"llm_broker/internal/streaming"
)

// JobService is the job lifecycle used by the handlers
type JobService interface {
	CreateJob(ctx context.Context, in jobs.CreateJobInput) (*models.Job, error)
	GetJob(ctx context.Context, teamID, jobID uuid.UUID) (*models.Job, error)
	MergeMetadata(ctx context.Context, teamID, jobID uuid.UUID, patch models.JSONB) (models.JSONB, error)
	CompleteJob(ctx context.Context, teamID, jobID uuid.UUID, outcome models.JobStatus, patch models.JSONB) (*jobs.JobSummary, error)
	JobCosts(ctx context.Context, teamID, jobID uuid.UUID) (*jobs.CostBreakdown, error)
}

// CallService issues provider calls within a job
type CallService interface {
	Call(ctx context.Context, teamID, jobID uuid.UUID, in jobs.CallInput) (*jobs.CallResult, error)
	Stream(ctx context.Context, teamID, jobID uuid.UUID, in jobs.CallInput, w streaming.ChunkWriter) (*jobs.CallResult, error)
}

type jobsHandler struct {
	jobs  JobService
	calls CallService
}

func newJobsHandler(j JobService, c CallService) *jobsHandler {
	return &jobsHandler{jobs: j, calls: c}
}

type createJobRequest struct {
	TeamID        *uuid.UUID   `json:"team_id,omitempty"`
	JobType       string       `json:"job_type"`
	CorrelationID *string      `json:"correlation_id,omitempty"`
	Metadata      models.JSONB `json:"metadata,omitempty"`
}

type createJobResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

type callRequest struct {
	Alias    string              `json:"alias"`
	Messages []providers.Message `json:"messages"`
	Options  providers.Options   `json:"options"`
	Purpose  string              `json:"purpose,omitempty"`
	Stream   bool                `json:"stream,omitempty"`
}

type metadataRequest struct {
	Metadata models.JSONB `json:"metadata"`
}

type metadataResponse struct {
	JobID    uuid.UUID    `json:"job_id"`
	Metadata models.JSONB `json:"metadata"`
}

type completeRequest struct {
	Status   models.JobStatus `json:"status"`
	Metadata models.JSONB     `json:"metadata,omitempty"`
}

type completeResponse struct {
	JobID         uuid.UUID         `json:"job_id"`
	Status        models.JobStatus  `json:"status"`
	CompletedAt   *time.Time        `json:"completed_at"`
	CreditApplied bool              `json:"credit_applied"`
	Settlement    settlement.Result `json:"settlement"`
	Costs         jobs.Totals       `json:"costs"`
	Calls         []jobs.CallCost   `json:"calls"`
}

// teamOf returns the team authenticated by TeamAuth. Routes are always
// mounted behind it, so a missing id is a wiring error.
func teamOf(r *http.Request) (uuid.UUID, error) {
	id, ok := middleware.TeamID(r.Context())
	if !ok {
		return uuid.Nil, apperrors.Internal(nil, "request is not authenticated")
	}
	return id, nil
}

// CreateJob handles POST /v1/jobs
func (h *jobsHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	teamID, err := teamOf(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req createJobRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.TeamID != nil && *req.TeamID != teamID {
		writeError(w, r, apperrors.Forbidden("team_id does not match the authenticated team"))
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), jobs.CreateJobInput{
		TeamID:        teamID,
		JobType:       req.JobType,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createJobResponse{JobID: job.ID, Status: job.Status, CreatedAt: job.CreatedAt})
}

// GetJob handles GET /v1/jobs/{id}
func (h *jobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	teamID, jobID, ok := h.scope(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.GetJob(r.Context(), teamID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Call handles POST /v1/jobs/{id}/calls. With "stream": true the reply is
// an event stream; errors raised before the first event are plain JSON.
func (h *jobsHandler) Call(w http.ResponseWriter, r *http.Request) {
	teamID, jobID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req callRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := jobs.CallInput{
		Alias:    req.Alias,
		Messages: req.Messages,
		Options:  req.Options,
		Purpose:  req.Purpose,
	}

	if !req.Stream {
		res, err := h.calls.Call(r.Context(), teamID, jobID, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sse, err := streaming.NewSSEWriter(w)
	if err != nil {
		writeError(w, r, apperrors.Internal(err, "failed to start stream"))
		return
	}
	if _, err := h.calls.Stream(r.Context(), teamID, jobID, in, sse); err != nil {
		if !sse.Begun() {
			writeError(w, r, err)
			return
		}
		logger.Debug("Stream ended with error", "job_id", jobID, "error", err)
	}
}

// MergeMetadata handles PATCH /v1/jobs/{id}/metadata
func (h *jobsHandler) MergeMetadata(w http.ResponseWriter, r *http.Request) {
	teamID, jobID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req metadataRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Metadata == nil {
		writeError(w, r, apperrors.Validation("metadata is required"))
		return
	}

	merged, err := h.jobs.MergeMetadata(r.Context(), teamID, jobID, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metadataResponse{JobID: jobID, Metadata: merged})
}

// CompleteJob handles POST /v1/jobs/{id}/complete
func (h *jobsHandler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	teamID, jobID, ok := h.scope(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	summary, err := h.jobs.CompleteJob(r.Context(), teamID, jobID, req.Status, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		JobID:         summary.Job.ID,
		Status:        summary.Job.Status,
		CompletedAt:   summary.Job.CompletedAt,
		CreditApplied: summary.Settlement.Applied,
		Settlement:    summary.Settlement,
		Costs:         summary.Totals,
		Calls:         jobs.Breakdown(summary.Job.ID, summary.Calls).Calls,
	})
}

// JobCosts handles GET /v1/jobs/{id}/costs
func (h *jobsHandler) JobCosts(w http.ResponseWriter, r *http.Request) {
	teamID, jobID, ok := h.scope(w, r)
	if !ok {
		return
	}
	breakdown, err := h.jobs.JobCosts(r.Context(), teamID, jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (h *jobsHandler) scope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	teamID, err := teamOf(r)
	if err != nil {
		writeError(w, r, err)
		return uuid.Nil, uuid.Nil, false
	}
	jobID, err := jobIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return uuid.Nil, uuid.Nil, false
	}
	return teamID, jobID, true
}
