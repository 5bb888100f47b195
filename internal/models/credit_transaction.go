package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind classifies a balance change.
type TransactionKind string

const (
	TransactionDeduction  TransactionKind = "deduction"
	TransactionAllocation TransactionKind = "allocation"
	TransactionRefund     TransactionKind = "refund"
	TransactionAdjustment TransactionKind = "adjustment"
)

// CreditTransaction is an append-only audit entry of one balance change.
// Delta is relative to the remaining balance: a deduction is -1.
type CreditTransaction struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TeamID        uuid.UUID       `db:"team_id" json:"team_id"`
	JobID         *uuid.UUID      `db:"job_id" json:"job_id,omitempty"`
	Kind          TransactionKind `db:"kind" json:"kind"`
	Delta         int64           `db:"delta" json:"delta"`
	BalanceBefore int64           `db:"balance_before" json:"balance_before"`
	BalanceAfter  int64           `db:"balance_after" json:"balance_after"`
	Reason        string          `db:"reason" json:"reason"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
