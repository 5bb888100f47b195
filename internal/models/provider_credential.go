package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderCredential is an encrypted provider secret owned by an organization.
// EncryptedSecret is base64 AES-GCM ciphertext, never plaintext.
type ProviderCredential struct {
	ID              uuid.UUID `db:"id"`
	OrganizationID  uuid.UUID `db:"organization_id"`
	Provider        string    `db:"provider"`
	EncryptedSecret string    `db:"encrypted_secret"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}
