package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FinishReason is the normalized reason a generation ended.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonError         FinishReason = "error"
)

// Call is one attempt to invoke a provider on behalf of a job.
// Rows are insert-only.
type Call struct {
	ID              uuid.UUID       `db:"id" json:"call_id"`
	JobID           uuid.UUID       `db:"job_id" json:"job_id"`
	Alias           string          `db:"alias" json:"alias"`
	Provider        string          `db:"provider" json:"provider"`
	Model           string          `db:"model" json:"model"`
	Purpose         string          `db:"purpose" json:"purpose,omitempty"`
	InputTokens     int64           `db:"input_tokens" json:"input_tokens"`
	OutputTokens    int64           `db:"output_tokens" json:"output_tokens"`
	TokensEstimated bool            `db:"tokens_estimated" json:"tokens_estimated"`
	ProviderCost    decimal.Decimal `db:"provider_cost" json:"provider_cost"`
	ClientCost      decimal.Decimal `db:"client_cost" json:"client_cost"`
	LatencyMs       int64           `db:"latency_ms" json:"latency_ms"`
	FinishReason    FinishReason    `db:"finish_reason" json:"finish_reason"`
	Streamed        bool            `db:"streamed" json:"streamed"`
	Error           *string         `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Succeeded reports whether the attempt completed without error.
func (c *Call) Succeeded() bool {
	return c.Error == nil
}

// TotalTokens returns input plus output tokens.
func (c *Call) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}
