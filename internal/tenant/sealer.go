package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts credential records at rest with XChaCha20-Poly1305.
// The sealed form is nonce || ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("credentials key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts creds. integrationID is bound as associated data so a sealed
// blob cannot be moved between rows.
func (s *Sealer) Seal(integrationID string, creds Credentials) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(integrationID)), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(integrationID string, sealed []byte) (Credentials, error) {
	var creds Credentials
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return creds, fmt.Errorf("init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return creds, fmt.Errorf("sealed credentials too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(integrationID))
	if err != nil {
		return creds, fmt.Errorf("open credentials: %w", err)
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return creds, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}
