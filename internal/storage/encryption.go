package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const keyInfoPrefix = "llm-broker/provider-credential/v1/"

// Encryption seals provider secrets with AES-256-GCM. Each organization gets
// its own key derived from the master key with HKDF-SHA256, and the
// ciphertext is bound to (organization, provider) through the AAD.
type Encryption struct {
	master []byte
}

// NewEncryption creates a new encryption service with the given 32-byte master key
func NewEncryption(key []byte) (*Encryption, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: must be 32 bytes, got %d", len(key))
	}
	master := make([]byte, len(key))
	copy(master, key)
	return &Encryption{master: master}, nil
}

// NewEncryptionFromHex creates a new encryption service from a hex-encoded key
func NewEncryptionFromHex(encodedKey string) (*Encryption, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	key, err := hex.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hex key: %w", err)
	}

	return NewEncryption(key)
}

// GenerateKey generates a random 32-byte master key, hex encoded for ENCRYPTION_KEY
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func (e *Encryption) aead(orgID uuid.UUID) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, e.master, nil, []byte(keyInfoPrefix+orgID.String()))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func additionalData(orgID uuid.UUID, provider string) []byte {
	return []byte(orgID.String() + "|" + provider)
}

// Seal encrypts plaintext for (orgID, provider) and returns nonce||ciphertext as base64
func (e *Encryption) Seal(orgID uuid.UUID, provider string, plaintext []byte) (string, error) {
	gcm, err := e.aead(orgID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, additionalData(orgID, provider))
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal for the same (orgID, provider)
func (e *Encryption) Open(orgID uuid.UUID, provider string, ciphertextBase64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	gcm, err := e.aead(orgID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData(orgID, provider))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
