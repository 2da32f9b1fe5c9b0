// Package crypto seals and unseals provider credentials embedded in a
// webhook's providerLocator before they touch durable storage (spec.md §9:
// "at rest they are wrapped with authenticated encryption, unwrapped only
// in the verifier's stack frame, and must never be logged").
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer seals and opens plaintext provider locators with a single
// symmetric key, using ChaCha20-Poly1305 AEAD.
type Sealer struct {
	aead chacha20poly1305.AEAD
}

// NewSealer builds a Sealer from a base64-encoded 32-byte key, as loaded
// from Config.CredentialSealKey.
func NewSealer(base64Key string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decoding credential seal key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AEAD cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// GenerateKey returns a random base64-encoded key suitable for
// CredentialSealKey, used to mint a throwaway development key with a loud
// warning rather than ever hard-coding one.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating random seal key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext, prefixing the ciphertext with a fresh random
// nonce so Open can recover it.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Plaintext must not be logged or
// retained beyond the caller's stack frame (spec.md §9).
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed credential blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed credential blob: %w", err)
	}
	return plaintext, nil
}
