package storage

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrJobNotFound is returned when a job is not found
	ErrJobNotFound = errors.New("job not found")

	// ErrTeamNotFound is returned when a team is not found
	ErrTeamNotFound = errors.New("team not found")

	// ErrTeamCreditNotFound is returned when a team has no credit row
	ErrTeamCreditNotFound = errors.New("team credit not found")

	// ErrModelAliasNotFound is returned when a model alias is not found or inactive
	ErrModelAliasNotFound = errors.New("model alias not found")

	// ErrCredentialNotFound is returned when an organization has no active credential for a provider
	ErrCredentialNotFound = errors.New("provider credential not found")

	// ErrTransactionNotFound is returned when a credit transaction is not found
	ErrTransactionNotFound = errors.New("credit transaction not found")

	// ErrInsufficientCredit is returned when a conditional credit update matched no row
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrDuplicateTransaction is returned when a per-job transaction already exists
	ErrDuplicateTransaction = errors.New("duplicate credit transaction")

	// ErrJobTerminal is returned when a job can no longer be modified
	ErrJobTerminal = errors.New("job is terminal")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
