package jobs

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"llm_broker/internal/cost"
	"llm_broker/internal/models"
)

// Totals aggregates the calls of a job
type Totals struct {
	CallCount    int             `json:"call_count"`
	FailedCalls  int             `json:"failed_calls"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	ProviderCost decimal.Decimal `json:"provider_cost"`
	ClientCost   decimal.Decimal `json:"client_cost"`
	AvgLatencyMs int64           `json:"avg_latency_ms"`
}

// Aggregate sums calls. Costs are exact decimal sums.
func Aggregate(calls []models.Call) Totals {
	var (
		t       Totals
		latency int64
		items   = make([]cost.Costs, 0, len(calls))
	)
	for i := range calls {
		c := &calls[i]
		t.CallCount++
		if !c.Succeeded() {
			t.FailedCalls++
		}
		t.InputTokens += c.InputTokens
		t.OutputTokens += c.OutputTokens
		latency += c.LatencyMs
		items = append(items, cost.OfCall(c))
	}
	t.TotalTokens = t.InputTokens + t.OutputTokens

	sum := cost.Sum(items...)
	t.ProviderCost = sum.ProviderCost
	t.ClientCost = sum.ClientCost
	if t.CallCount > 0 {
		t.AvgLatencyMs = latency / int64(t.CallCount)
	}
	return t
}

// CallCost is one line of a cost breakdown
type CallCost struct {
	CallID       uuid.UUID           `json:"call_id"`
	Alias        string              `json:"alias"`
	Provider     string              `json:"provider"`
	Model        string              `json:"model"`
	Purpose      string              `json:"purpose,omitempty"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	Estimated    bool                `json:"tokens_estimated"`
	FinishReason models.FinishReason `json:"finish_reason"`
	Error        *string             `json:"error,omitempty"`
	Costs        cost.Costs          `json:"costs"`
}

// CostBreakdown itemizes the calls of a job with their totals
type CostBreakdown struct {
	JobID  uuid.UUID  `json:"job_id"`
	Calls  []CallCost `json:"calls"`
	Totals Totals     `json:"totals"`
}

// Breakdown builds the cost breakdown of calls.
func Breakdown(jobID uuid.UUID, calls []models.Call) *CostBreakdown {
	b := &CostBreakdown{JobID: jobID, Calls: make([]CallCost, 0, len(calls)), Totals: Aggregate(calls)}
	for i := range calls {
		c := &calls[i]
		b.Calls = append(b.Calls, CallCost{
			CallID:       c.ID,
			Alias:        c.Alias,
			Provider:     c.Provider,
			Model:        c.Model,
			Purpose:      c.Purpose,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
			Estimated:    c.TokensEstimated,
			FinishReason: c.FinishReason,
			Error:        c.Error,
			Costs:        cost.OfCall(c),
		})
	}
	return b
}
