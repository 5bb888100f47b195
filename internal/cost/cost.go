// Package cost prices provider calls from token usage.
package cost

import (
	"github.com/shopspring/decimal"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
)

// DefaultPlaces is the number of decimal places costs are rounded to.
const DefaultPlaces int32 = 8

// Pricing is the price sheet of one model alias.
type Pricing struct {
	InputPrice  decimal.Decimal
	OutputPrice decimal.Decimal
	Unit        models.PricingUnit
}

// PricingOf returns the pricing of an alias.
func PricingOf(alias *models.ModelAlias) Pricing {
	return Pricing{
		InputPrice:  alias.InputPrice,
		OutputPrice: alias.OutputPrice,
		Unit:        alias.PricingUnit,
	}
}

// Costs is what a call cost the broker and what the team is charged.
type Costs struct {
	ProviderCost decimal.Decimal `json:"provider_cost"`
	ClientCost   decimal.Decimal `json:"client_cost"`
}

// Zero is the cost of a call that failed before billing.
var Zero = Costs{ProviderCost: decimal.Zero, ClientCost: decimal.Zero}

// Calculator computes call costs at a fixed precision.
type Calculator struct {
	places int32
}

// NewCalculator creates a calculator rounding to places decimals.
// A non-positive value selects DefaultPlaces.
func NewCalculator(places int32) *Calculator {
	if places <= 0 {
		places = DefaultPlaces
	}
	return &Calculator{places: places}
}

// Places returns the rounding precision.
func (c *Calculator) Places() int32 {
	return c.places
}

// Compute prices inputTokens and outputTokens and applies markup, a
// fraction such as 0.2 for +20%. Both results use banker's rounding.
func (c *Calculator) Compute(p Pricing, inputTokens, outputTokens int64, markup decimal.Decimal) (Costs, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return Costs{}, apperrors.Validation("token counts must not be negative")
	}
	if markup.IsNegative() {
		return Costs{}, apperrors.Validation("markup must not be negative")
	}

	unit := decimal.NewFromInt(p.Unit.Size())
	in := decimal.NewFromInt(inputTokens).Div(unit).Mul(p.InputPrice)
	out := decimal.NewFromInt(outputTokens).Div(unit).Mul(p.OutputPrice)

	provider := in.Add(out)
	client := provider.Mul(decimal.NewFromInt(1).Add(markup))

	return Costs{
		ProviderCost: provider.RoundBank(c.places),
		ClientCost:   client.RoundBank(c.places),
	}, nil
}

// Sum adds costs together.
func Sum(items ...Costs) Costs {
	total := Zero
	for _, item := range items {
		total.ProviderCost = total.ProviderCost.Add(item.ProviderCost)
		total.ClientCost = total.ClientCost.Add(item.ClientCost)
	}
	return total
}

// OfCall returns the recorded costs of a call.
func OfCall(call *models.Call) Costs {
	return Costs{ProviderCost: call.ProviderCost, ClientCost: call.ClientCost}
}
