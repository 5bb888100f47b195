package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PricingUnit is the token volume a price applies to (stored as TEXT in Postgres).
type PricingUnit string

const (
	PricingUnitToken    PricingUnit = "token"
	PricingUnit1KTokens PricingUnit = "1k_tokens"
	PricingUnit1MTokens PricingUnit = "1m_tokens"
)

// Size returns the number of tokens in one unit. Unknown units count per token.
func (u PricingUnit) Size() int64 {
	switch u {
	case PricingUnit1KTokens:
		return 1_000
	case PricingUnit1MTokens:
		return 1_000_000
	default:
		return 1
	}
}

// ModelAlias maps a tenant-facing name to a provider model and its pricing.
type ModelAlias struct {
	ID            uuid.UUID       `db:"id"`
	Alias         string          `db:"alias"`
	Provider      string          `db:"provider"`
	ProviderModel string          `db:"provider_model"`
	InputPrice    decimal.Decimal `db:"input_price"`
	OutputPrice   decimal.Decimal `db:"output_price"`
	PricingUnit   PricingUnit     `db:"pricing_unit"`
	Active        bool            `db:"active"`
	AccessGroups  pq.StringArray  `db:"access_groups"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// IsRestricted reports whether only some access groups may use the alias.
func (a *ModelAlias) IsRestricted() bool {
	return len(a.AccessGroups) > 0
}
