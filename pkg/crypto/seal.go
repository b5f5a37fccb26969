package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrEmptyKey      = errors.New("credential key is empty")
	ErrMalformedSeal = errors.New("sealed value is malformed")
)

// deriveKey stretches the configured secret to a 32-byte AEAD key
func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:], nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns base64(nonce|ciphertext).
// An empty plaintext seals to an empty string.
func Seal(plaintext, secret string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func Open(sealed, secret string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	key, err := deriveKey(secret)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformedSeal
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformedSeal
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// Mask keeps the first 8 characters of a secret for logging
func Mask(secret string) string {
	if len(secret) <= 12 {
		return "***"
	}
	return secret[:8] + "***"
}
