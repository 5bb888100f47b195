package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
	"llm_broker/internal/storage"
)

type fakeStore struct {
	creds map[string]*models.ProviderCredential
	err   error
}

func (f *fakeStore) GetActive(_ context.Context, orgID uuid.UUID, provider string) (*models.ProviderCredential, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := f.creds[orgID.String()+"/"+provider]; ok {
		return c, nil
	}
	return nil, storage.ErrCredentialNotFound
}

func newEncryption(t *testing.T) *storage.Encryption {
	t.Helper()
	key, err := storage.GenerateKey()
	require.NoError(t, err)
	enc, err := storage.NewEncryptionFromHex(key)
	require.NoError(t, err)
	return enc
}

func TestResolve_OrganizationCredential(t *testing.T) {
	enc := newEncryption(t)
	org := uuid.New()
	store := &fakeStore{creds: map[string]*models.ProviderCredential{}}
	r := NewResolver(store, enc, map[string]string{"openai": "sk-default"})

	sealed, err := r.Seal(org, "openai", "sk-org")
	require.NoError(t, err)
	store.creds[org.String()+"/openai"] = &models.ProviderCredential{
		ID: uuid.New(), OrganizationID: org, Provider: "openai", EncryptedSecret: sealed, Active: true,
	}

	secret, err := r.Resolve(context.Background(), &org, "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-org", secret.Reveal())
}

func TestResolve_FallsBackToDefault(t *testing.T) {
	org := uuid.New()
	r := NewResolver(&fakeStore{}, newEncryption(t), map[string]string{"anthropic": "sk-ant"})

	secret, err := r.Resolve(context.Background(), &org, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", secret.Reveal())

	secret, err = r.Resolve(context.Background(), nil, "anthropic")
	require.NoError(t, err)
	assert.Equal(t, "sk-ant", secret.Reveal())
}

func TestResolve_NoCredential(t *testing.T) {
	r := NewResolver(&fakeStore{}, nil, map[string]string{"openai": ""})

	_, err := r.Resolve(context.Background(), nil, "openai")
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredential))
}

func TestResolve_UndecryptableIsCredentialError(t *testing.T) {
	org := uuid.New()
	store := &fakeStore{creds: map[string]*models.ProviderCredential{
		org.String() + "/openai": {OrganizationID: org, Provider: "openai", EncryptedSecret: "garbage"},
	}}
	r := NewResolver(store, newEncryption(t), map[string]string{"openai": "sk-default"})

	_, err := r.Resolve(context.Background(), &org, "openai")
	assert.True(t, apperrors.IsKind(err, apperrors.KindCredential))
}

func TestResolve_StoreFailureIsInternal(t *testing.T) {
	org := uuid.New()
	r := NewResolver(&fakeStore{err: errors.New("connection reset")}, nil, nil)

	_, err := r.Resolve(context.Background(), &org, "openai")
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}

func TestSecret_Redacted(t *testing.T) {
	s := NewSecret("sk-live-123")

	assert.Equal(t, "[redacted]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%s", s))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%#v", s))

	b, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "sk-live")
	assert.False(t, s.IsZero())
}
