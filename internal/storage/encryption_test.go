package storage

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryption_SealOpen(t *testing.T) {
	enc, err := NewEncryption(testKey())
	if err != nil {
		t.Fatalf("Failed to create encryption: %v", err)
	}

	org := uuid.New()
	plaintext := []byte("sk-my-secret-api-key-12345")
	ciphertext, err := enc.Seal(org, "openai", plaintext)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if strings.Contains(ciphertext, "sk-my-secret") {
		t.Fatalf("ciphertext leaks plaintext: %s", ciphertext)
	}

	decrypted, err := enc.Open(org, "openai", ciphertext)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypted text doesn't match original. Got %s, want %s", decrypted, plaintext)
	}
}

func TestEncryption_BoundToOrgAndProvider(t *testing.T) {
	enc, err := NewEncryption(testKey())
	if err != nil {
		t.Fatalf("Failed to create encryption: %v", err)
	}

	org := uuid.New()
	ciphertext, err := enc.Seal(org, "anthropic", []byte("secret"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if _, err := enc.Open(uuid.New(), "anthropic", ciphertext); err == nil {
		t.Error("expected failure when opening with another organization")
	}
	if _, err := enc.Open(org, "openai", ciphertext); err == nil {
		t.Error("expected failure when opening with another provider")
	}
}

func TestEncryption_NonceIsRandom(t *testing.T) {
	enc, _ := NewEncryption(testKey())
	org := uuid.New()

	a, _ := enc.Seal(org, "openai", []byte("same"))
	b, _ := enc.Seal(org, "openai", []byte("same"))
	if a == b {
		t.Error("two seals of the same plaintext should differ")
	}
}

func TestNewEncryptionFromHex(t *testing.T) {
	keyHex, err := GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if len(keyHex) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(keyHex))
	}

	enc, err := NewEncryptionFromHex(keyHex)
	if err != nil {
		t.Fatalf("Failed to create encryption from hex: %v", err)
	}

	org := uuid.New()
	ct, err := enc.Seal(org, "vertexai", []byte("test-data"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	pt, err := enc.Open(org, "vertexai", ct)
	if err != nil || string(pt) != "test-data" {
		t.Errorf("round trip failed: %v %q", err, pt)
	}
}

func TestEncryption_InvalidInputs(t *testing.T) {
	if _, err := NewEncryption([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := NewEncryptionFromHex(""); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := NewEncryptionFromHex("not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}

	enc, _ := NewEncryption(testKey())
	if _, err := enc.Open(uuid.New(), "openai", "!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := enc.Open(uuid.New(), "openai", "AAAA"); err == nil {
		t.Error("expected error for short ciphertext")
	}
}
