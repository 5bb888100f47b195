package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// TeamStatus gates whether a team may open jobs and issue calls.
type TeamStatus string

const (
	TeamStatusActive    TeamStatus = "active"
	TeamStatusSuspended TeamStatus = "suspended"
	TeamStatusPaused    TeamStatus = "paused"
)

// Team is the lookup view of a tenant team, owned by the admin layer.
type Team struct {
	ID             uuid.UUID       `db:"id"`
	OrganizationID *uuid.UUID      `db:"organization_id"`
	Name           string          `db:"name"`
	Status         TeamStatus      `db:"status"`
	AccessGroups   pq.StringArray  `db:"access_groups"`
	MarkupFraction decimal.Decimal `db:"markup_fraction"`
}

// IsActive reports whether the team may transact.
func (t *Team) IsActive() bool {
	return t.Status == TeamStatusActive
}

// InGroup reports whether the team belongs to any of groups.
func (t *Team) InGroup(groups []string) bool {
	for _, g := range groups {
		if slices.Contains(t.AccessGroups, g) {
			return true
		}
	}
	return false
}

// TeamCredit is the authoritative balance row of a team.
type TeamCredit struct {
	TeamID           uuid.UUID `db:"team_id" json:"team_id"`
	CreditsAllocated int64     `db:"credits_allocated" json:"credits_allocated"`
	CreditsUsed      int64     `db:"credits_used" json:"credits_used"`
	CreditLimit      *int64    `db:"credit_limit" json:"credit_limit,omitempty"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Remaining returns allocated minus used.
func (c TeamCredit) Remaining() int64 {
	return c.CreditsAllocated - c.CreditsUsed
}

// CanSpend reports whether n more credits may be consumed.
func (c TeamCredit) CanSpend(n int64) bool {
	if c.Remaining() < n {
		return false
	}
	if c.CreditLimit != nil && c.CreditsUsed+n > *c.CreditLimit {
		return false
	}
	return true
}
