package cost

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCompute(t *testing.T) {
	calc := NewCalculator(0)

	tests := []struct {
		name         string
		pricing      Pricing
		in, out      int64
		markup       string
		wantProvider string
		wantClient   string
	}{
		{
			name:         "per 1k tokens",
			pricing:      Pricing{InputPrice: d("0.01"), OutputPrice: d("0.03"), Unit: models.PricingUnit1KTokens},
			in:           1000,
			out:          500,
			markup:       "0.2",
			wantProvider: "0.025",
			wantClient:   "0.03",
		},
		{
			name:         "per 1m tokens",
			pricing:      Pricing{InputPrice: d("3"), OutputPrice: d("15"), Unit: models.PricingUnit1MTokens},
			in:           1234,
			out:          56,
			markup:       "0",
			wantProvider: "0.004542",
			wantClient:   "0.004542",
		},
		{
			name:         "per token",
			pricing:      Pricing{InputPrice: d("0.000001"), OutputPrice: d("0.000002"), Unit: models.PricingUnitToken},
			in:           10,
			out:          10,
			markup:       "0.5",
			wantProvider: "0.00003",
			wantClient:   "0.000045",
		},
		{
			name:         "zero usage",
			pricing:      Pricing{InputPrice: d("1"), OutputPrice: d("1"), Unit: models.PricingUnit1KTokens},
			wantProvider: "0",
			wantClient:   "0",
			markup:       "0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Compute(tt.pricing, tt.in, tt.out, d(tt.markup))
			require.NoError(t, err)
			assert.True(t, got.ProviderCost.Equal(d(tt.wantProvider)), "provider cost %s", got.ProviderCost)
			assert.True(t, got.ClientCost.Equal(d(tt.wantClient)), "client cost %s", got.ClientCost)
		})
	}
}

func TestCompute_BankersRounding(t *testing.T) {
	calc := NewCalculator(2)
	p := Pricing{InputPrice: d("0.125"), OutputPrice: decimal.Zero, Unit: models.PricingUnitToken}

	got, err := calc.Compute(p, 1, 0, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "0.12", got.ProviderCost.StringFixed(2))

	p.InputPrice = d("0.135")
	got, err = calc.Compute(p, 1, 0, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "0.14", got.ProviderCost.StringFixed(2))
}

func TestCompute_Validation(t *testing.T) {
	calc := NewCalculator(8)
	p := Pricing{InputPrice: d("1"), OutputPrice: d("1"), Unit: models.PricingUnitToken}

	_, err := calc.Compute(p, -1, 0, decimal.Zero)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = calc.Compute(p, 0, -5, decimal.Zero)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	_, err = calc.Compute(p, 1, 1, d("-0.1"))
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestSum_Additive(t *testing.T) {
	calc := NewCalculator(8)
	p := Pricing{InputPrice: d("0.5"), OutputPrice: d("1.5"), Unit: models.PricingUnit1KTokens}

	a, err := calc.Compute(p, 1000, 0, d("0.1"))
	require.NoError(t, err)
	b, err := calc.Compute(p, 0, 1000, d("0.1"))
	require.NoError(t, err)

	total := Sum(a, b)
	assert.True(t, total.ProviderCost.Equal(d("2")))
	assert.True(t, total.ClientCost.Equal(d("2.2")))
	assert.True(t, Sum().ProviderCost.IsZero())
}

func TestPricingOf(t *testing.T) {
	alias := &models.ModelAlias{InputPrice: d("1"), OutputPrice: d("2"), PricingUnit: models.PricingUnit1MTokens}
	p := PricingOf(alias)
	assert.Equal(t, models.PricingUnit1MTokens, p.Unit)
	assert.True(t, p.OutputPrice.Equal(d("2")))
}
