package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const sealKeyBytes = 32

// Sealer encrypts blobs at rest with AES-256-GCM. Every blob is bound to a
// scope string: Open only succeeds with the scope Seal was given, so a blob
// moved to another queue is rejected.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 64-character hex key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != sealKeyBytes {
		return nil, fmt.Errorf("encryption key must be %d bytes (%d hex chars)", sealKeyBytes, sealKeyBytes*2)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext).
func (s *Sealer) Seal(scope, plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(scope, encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed blob: %w", err)
	}
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return "", errors.New("sealed blob too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(scope))
	if err != nil {
		return "", fmt.Errorf("open sealed blob: %w", err)
	}
	return string(plaintext), nil
}
