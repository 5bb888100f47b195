package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/cost"
	"llm_broker/internal/ledger"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
	"llm_broker/internal/ratelimit"
	"llm_broker/internal/streaming"
	"llm_broker/internal/utils"
)

// ProviderLayer resolves aliases and invokes providers
type ProviderLayer interface {
	Resolve(ctx context.Context, caller providers.Caller, alias string) (*providers.Target, error)
	InvokeTarget(ctx context.Context, t *providers.Target, messages []providers.Message, opts providers.Options) (*providers.NormalizedResponse, error)
	StreamTarget(ctx context.Context, t *providers.Target, messages []providers.Message, opts providers.Options) (providers.ChunkStream, error)
}

// CallRecorder writes finished call attempts
type CallRecorder interface {
	RecordCall(ctx context.Context, e ledger.Entry) (*models.Call, error)
}

// CallInput is one provider call issued within a job.
type CallInput struct {
	Alias    string
	Messages []providers.Message
	Options  providers.Options
	Purpose  string
}

// TokensUsed is the token accounting of a call result
type TokensUsed struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Total     int64 `json:"total"`
	Estimated bool  `json:"estimated"`
}

// CallResult is returned for a successful call.
type CallResult struct {
	CallID       uuid.UUID           `json:"call_id"`
	Content      string              `json:"content"`
	FinishReason models.FinishReason `json:"finish_reason"`
	TokensUsed   TokensUsed          `json:"tokens_used"`
	LatencyMs    int64               `json:"latency_ms"`
	Costs        cost.Costs          `json:"costs"`
}

// CallService runs provider calls on behalf of jobs and records each
// attempt in the ledger. A provider failure fails the call, never the job.
type CallService struct {
	jobs      *Manager
	layer     ProviderLayer
	calc      *cost.Calculator
	ledger    CallRecorder
	forwarder *streaming.Forwarder
	limiter   ratelimit.Limiter
	metrics   *metrics.Metrics
	logger    *utils.Logger
}

// NewCallService creates a call service. limiter may be nil.
func NewCallService(jobs *Manager, layer ProviderLayer, calc *cost.Calculator, recorder CallRecorder, forwarder *streaming.Forwarder, limiter ratelimit.Limiter, m *metrics.Metrics) *CallService {
	if limiter == nil {
		limiter = ratelimit.NewNoopLimiter()
	}
	return &CallService{
		jobs:      jobs,
		layer:     layer,
		calc:      calc,
		ledger:    recorder,
		forwarder: forwarder,
		limiter:   limiter,
		metrics:   m,
		logger:    utils.NewLogger("jobs"),
	}
}

// attempt is a call in flight. Its id and start time are fixed right
// before the provider is contacted.
type attempt struct {
	team     *models.Team
	job      *models.Job
	in       CallInput
	callID   uuid.UUID
	started  time.Time
	target   *providers.Target
	streamed bool
}

func (s *CallService) begin(ctx context.Context, teamID, jobID uuid.UUID, in CallInput, streamed bool) (*attempt, error) {
	team, err := s.jobs.teams.GetTeam(ctx, teamID)
	if err != nil {
		return nil, teamLookupError(err, teamID)
	}
	if !team.IsActive() {
		return nil, apperrors.InsufficientCreditsOrSuspended("team %s is %s", team.ID, team.Status)
	}

	if !s.limiter.Allow(ctx, team.ID.String()) {
		s.metrics.IncRateLimitRejection()
		return nil, apperrors.RateLimited("team %s exceeded its call rate", team.ID)
	}

	if err := validateInput(in); err != nil {
		return nil, err
	}

	job, err := s.jobs.RecordCallStarted(ctx, teamID, jobID)
	if err != nil {
		return nil, err
	}

	return &attempt{
		team:     team,
		job:      job,
		in:       in,
		callID:   uuid.New(),
		started:  time.Now().UTC(),
		streamed: streamed,
	}, nil
}

func validateInput(in CallInput) error {
	if in.Alias == "" {
		return apperrors.Validation("alias is required")
	}
	if len(in.Messages) == 0 {
		return apperrors.Validation("messages must not be empty")
	}
	for i, m := range in.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return apperrors.Validation("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if in.Options.MaxTokens < 0 {
		return apperrors.Validation("max_tokens must not be negative")
	}
	return nil
}

// Call issues a non-streaming call.
func (s *CallService) Call(ctx context.Context, teamID, jobID uuid.UUID, in CallInput) (*CallResult, error) {
	a, err := s.begin(ctx, teamID, jobID, in, false)
	if err != nil {
		return nil, err
	}

	a.target, err = s.layer.Resolve(ctx, providers.CallerFromTeam(a.team), in.Alias)
	if err != nil {
		return nil, s.fail(ctx, a, err, providers.Usage{})
	}

	resp, err := s.layer.InvokeTarget(ctx, a.target, in.Messages, in.Options)
	if err != nil {
		return nil, s.fail(ctx, a, err, providers.Usage{})
	}

	costs, err := s.price(a, resp.Usage)
	if err != nil {
		return nil, s.fail(ctx, a, err, resp.Usage)
	}

	call, err := s.ledger.RecordCall(ctx, s.entry(a, resp.Usage, resp.FinishReason, costs, nil))
	if err != nil {
		return nil, err
	}
	return result(call, resp.Content), nil
}

// Stream issues a streaming call and relays it into w. Errors returned
// before w.Begin was called leave w untouched. Once streaming began, the
// call is recorded with whatever the stream produced, and a failure is both
// written to w and returned.
func (s *CallService) Stream(ctx context.Context, teamID, jobID uuid.UUID, in CallInput, w streaming.ChunkWriter) (*CallResult, error) {
	a, err := s.begin(ctx, teamID, jobID, in, true)
	if err != nil {
		return nil, err
	}

	a.target, err = s.layer.Resolve(ctx, providers.CallerFromTeam(a.team), in.Alias)
	if err != nil {
		return nil, s.fail(ctx, a, err, providers.Usage{})
	}

	stream, err := s.layer.StreamTarget(ctx, a.target, in.Messages, in.Options)
	if err != nil {
		return nil, s.fail(ctx, a, err, providers.Usage{})
	}

	if err := w.Begin(a.callID); err != nil {
		stream.Close()
		return nil, s.fail(ctx, a, context.Canceled, providers.Usage{})
	}

	res := s.forwarder.Forward(ctx, string(a.target.Provider()), stream, w, in.Messages)

	costs, err := s.price(a, res.Usage)
	if err != nil {
		return nil, s.fail(ctx, a, err, res.Usage)
	}

	call, recErr := s.ledger.RecordCall(ctx, s.entry(a, res.Usage, res.FinishReason, costs, res.Err))
	if recErr != nil {
		return nil, recErr
	}
	if res.Err != nil {
		s.logger.Info("Streamed call ended early", "call_id", a.callID, "job_id", a.job.ID, "error", ledger.ErrorText(res.Err))
		return nil, res.Err
	}
	return result(call, res.Content), nil
}

func (s *CallService) price(a *attempt, usage providers.Usage) (cost.Costs, error) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return cost.Zero, nil
	}
	return s.calc.Compute(cost.PricingOf(a.target.Alias), usage.InputTokens, usage.OutputTokens, a.team.MarkupFraction)
}

func (s *CallService) entry(a *attempt, usage providers.Usage, finish models.FinishReason, costs cost.Costs, callErr error) ledger.Entry {
	e := ledger.Entry{
		CallID:          a.callID,
		JobID:           a.job.ID,
		TeamID:          a.team.ID,
		OrganizationID:  a.team.OrganizationID,
		Alias:           a.in.Alias,
		Purpose:         a.in.Purpose,
		Streamed:        a.streamed,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		TokensEstimated: usage.Estimated,
		FinishReason:    finish,
		Err:             callErr,
		Costs:           costs,
		Latency:         time.Since(a.started),
		StartedAt:       a.started,
	}
	if a.target != nil {
		e.Provider = a.target.Alias.Provider
		e.Model = a.target.Alias.ProviderModel
	}
	return e
}

// fail records the failed attempt and returns the error the caller should
// see. A call that cannot be recorded must not look like it never happened,
// so a ledger failure takes precedence.
func (s *CallService) fail(ctx context.Context, a *attempt, callErr error, usage providers.Usage) error {
	costs := cost.Zero
	if a.target != nil && (usage.InputTokens > 0 || usage.OutputTokens > 0) {
		if c, err := s.price(a, usage); err == nil {
			costs = c
		}
	}
	if _, err := s.ledger.RecordCall(ctx, s.entry(a, usage, models.FinishReasonError, costs, callErr)); err != nil {
		s.logger.Error("Failed to record failed call", "call_id", a.callID, "job_id", a.job.ID, "error", err)
		return err
	}
	s.logger.Info("Call failed", "call_id", a.callID, "job_id", a.job.ID, "alias", a.in.Alias, "error", ledger.ErrorText(callErr))
	return callErr
}

func result(call *models.Call, content string) *CallResult {
	return &CallResult{
		CallID:       call.ID,
		Content:      content,
		FinishReason: call.FinishReason,
		TokensUsed: TokensUsed{
			Input:     call.InputTokens,
			Output:    call.OutputTokens,
			Total:     call.TotalTokens(),
			Estimated: call.TokensEstimated,
		},
		LatencyMs: call.LatencyMs,
		Costs:     cost.OfCall(call),
	}
}
