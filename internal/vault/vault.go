// Package vault seals credential plaintext before it touches persistent
// storage. AES-256-GCM with a process-wide key supplied at startup; the key
// is never logged and never stored alongside data.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrMissingCiphertext distinguishes "token never existed" from a
	// corrupt token that needs re-authorization.
	ErrMissingCiphertext = errors.New("vault: ciphertext is empty")
	// ErrDecryptFailed covers malformed, truncated, tampered, or
	// foreign-key ciphertext. Callers escalate this to needs_reauth.
	ErrDecryptFailed = errors.New("vault: decrypt failed")
)

// KeySize is the required symmetric key length in bytes.
const KeySize = 32

// Vault seals and opens opaque token strings.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key.
func New(encodedKey string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode vault key: %w", err)
	}
	return NewWithKey(key)
}

// NewWithKey builds a Vault from raw key bytes.
func NewWithKey(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Seal(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. Authenticated mode: any tampering
// surfaces as ErrDecryptFailed, never as partial plaintext.
func (v *Vault) Open(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrMissingCiphertext
	}
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(raw) <= v.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
