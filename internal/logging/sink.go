package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm_broker/internal/models"
)

// CallRecord is the archived form of one recorded call.
type CallRecord struct {
	Timestamp       time.Time           `json:"timestamp"`
	CallID          uuid.UUID           `json:"call_id"`
	JobID           uuid.UUID           `json:"job_id"`
	TeamID          uuid.UUID           `json:"team_id"`
	OrganizationID  *uuid.UUID          `json:"organization_id,omitempty"`
	Alias           string              `json:"alias"`
	Provider        string              `json:"provider"`
	Model           string              `json:"model"`
	Purpose         string              `json:"purpose,omitempty"`
	InputTokens     int64               `json:"input_tokens"`
	OutputTokens    int64               `json:"output_tokens"`
	TokensEstimated bool                `json:"tokens_estimated"`
	ProviderCost    decimal.Decimal     `json:"provider_cost"`
	ClientCost      decimal.Decimal     `json:"client_cost"`
	LatencyMs       int64               `json:"latency_ms"`
	FinishReason    models.FinishReason `json:"finish_reason"`
	Streamed        bool                `json:"streamed"`
	Error           string              `json:"error,omitempty"`
}

// NewCallRecord builds the archive record of a call made for a team.
func NewCallRecord(call *models.Call, teamID uuid.UUID, orgID *uuid.UUID) CallRecord {
	rec := CallRecord{
		Timestamp:       call.CreatedAt,
		CallID:          call.ID,
		JobID:           call.JobID,
		TeamID:          teamID,
		OrganizationID:  orgID,
		Alias:           call.Alias,
		Provider:        call.Provider,
		Model:           call.Model,
		Purpose:         call.Purpose,
		InputTokens:     call.InputTokens,
		OutputTokens:    call.OutputTokens,
		TokensEstimated: call.TokensEstimated,
		ProviderCost:    call.ProviderCost,
		ClientCost:      call.ClientCost,
		LatencyMs:       call.LatencyMs,
		FinishReason:    call.FinishReason,
		Streamed:        call.Streamed,
	}
	if call.Error != nil {
		rec.Error = *call.Error
	}
	return rec
}

// Archive persists batches of call records and returns where they went.
type Archive interface {
	WriteBatch(ctx context.Context, records []CallRecord) (string, error)
	Close() error
}

// NoopArchive discards records.
type NoopArchive struct{}

func NewNoopArchive() *NoopArchive {
	return &NoopArchive{}
}

func (a *NoopArchive) WriteBatch(ctx context.Context, records []CallRecord) (string, error) {
	return "", nil
}

func (a *NoopArchive) Close() error {
	return nil
}
