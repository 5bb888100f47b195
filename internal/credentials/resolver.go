// Package credentials resolves the provider secret used for a call.
package credentials

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
	"llm_broker/internal/storage"
	"llm_broker/internal/utils"
)

// Store looks up the active encrypted credential of an organization
type Store interface {
	GetActive(ctx context.Context, orgID uuid.UUID, provider string) (*models.ProviderCredential, error)
}

// Resolver picks the organization credential when one exists and falls back
// to the process-wide default of the provider.
type Resolver struct {
	store    Store
	enc      *storage.Encryption
	defaults map[string]string
	logger   *utils.Logger
}

// NewResolver creates a resolver. enc may be nil when no master key is
// configured; organization credentials are then unusable.
func NewResolver(store Store, enc *storage.Encryption, defaults map[string]string) *Resolver {
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		if v != "" {
			d[k] = v
		}
	}
	return &Resolver{
		store:    store,
		enc:      enc,
		defaults: d,
		logger:   utils.NewLogger("credentials"),
	}
}

// Resolve returns the secret for provider on behalf of orgID.
func (r *Resolver) Resolve(ctx context.Context, orgID *uuid.UUID, provider string) (Secret, error) {
	if orgID != nil && r.store != nil {
		cred, err := r.store.GetActive(ctx, *orgID, provider)
		switch {
		case err == nil:
			return r.open(cred)
		case errors.Is(err, storage.ErrCredentialNotFound):
			// fall through to the default
		default:
			return Secret{}, apperrors.Internal(err, "failed to look up %s credential", provider)
		}
	}

	if v, ok := r.defaults[provider]; ok {
		return NewSecret(v), nil
	}
	return Secret{}, apperrors.Credential("no credential configured for provider %s", provider)
}

func (r *Resolver) open(cred *models.ProviderCredential) (Secret, error) {
	if r.enc == nil {
		return Secret{}, apperrors.Credential("credential for provider %s cannot be decrypted: no encryption key configured", cred.Provider)
	}
	plaintext, err := r.enc.Open(cred.OrganizationID, cred.Provider, cred.EncryptedSecret)
	if err != nil {
		r.logger.Error("Failed to decrypt provider credential",
			"organization_id", cred.OrganizationID, "provider", cred.Provider, "credential_id", cred.ID)
		return Secret{}, apperrors.Credential("credential for provider %s cannot be decrypted", cred.Provider)
	}
	return NewSecret(string(plaintext)), nil
}

// Seal encrypts a plaintext secret for storage under (orgID, provider)
func (r *Resolver) Seal(orgID uuid.UUID, provider string, plaintext string) (string, error) {
	if r.enc == nil {
		return "", apperrors.Credential("no encryption key configured")
	}
	return r.enc.Seal(orgID, provider, []byte(plaintext))
}
