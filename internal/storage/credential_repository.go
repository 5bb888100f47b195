package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/models"
)

// CredentialRepository stores encrypted provider credentials per organization
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new provider credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetActive returns the active credential of (orgID, provider)
func (r *CredentialRepository) GetActive(ctx context.Context, orgID uuid.UUID, provider string) (*models.ProviderCredential, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var cred models.ProviderCredential
	err := r.db.conn.GetContext(ctx, &cred, `
		SELECT id, organization_id, provider, encrypted_secret, active, created_at, updated_at
		FROM provider_credentials
		WHERE organization_id = $1 AND provider = $2 AND active = true
		ORDER BY updated_at DESC
		LIMIT 1
	`, orgID, provider)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get provider credential: %w", err)
	}
	return &cred, nil
}

// Store deactivates any previous credential of (org, provider) and inserts cred as the active one
func (r *CredentialRepository) Store(ctx context.Context, cred *models.ProviderCredential) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	cred.Active = true
	cred.CreatedAt = now
	cred.UpdatedAt = now

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		UPDATE provider_credentials SET active = false, updated_at = $3
		WHERE organization_id = $1 AND provider = $2 AND active = true
	`, cred.OrganizationID, cred.Provider, now); err != nil {
		return fmt.Errorf("failed to deactivate provider credential: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO provider_credentials (id, organization_id, provider, encrypted_secret, active,
		                                  created_at, updated_at)
		VALUES (:id, :organization_id, :provider, :encrypted_secret, :active, :created_at, :updated_at)
	`, cred); err != nil {
		return fmt.Errorf("failed to insert provider credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
