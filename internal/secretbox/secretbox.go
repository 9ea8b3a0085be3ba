// Package secretbox provides symmetric encryption for sensitive cache
// entries. Keys are derived from a passphrase with PBKDF2-SHA256 and sealed
// with AES-256-GCM.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfIterations satisfies the >= 100 000 iteration floor for
	// password-based derivation.
	kdfIterations = 120_000
	keyLen        = 32
)

// defaultSalt keeps replicas key-compatible when no salt is configured.
// Deployments that need per-cluster isolation set their own.
var defaultSalt = []byte("taskforge.cache.v1")

// Box seals and opens byte payloads with a derived symmetric key.
type Box struct {
	aead cipher.AEAD
}

// New derives a key from passphrase and the hex-encoded salt (empty selects
// the built-in salt) and returns a ready Box.
func New(passphrase, saltHex string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("secretbox: passphrase required")
	}

	salt := defaultSalt
	if saltHex != "" {
		var err error
		salt, err = hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("secretbox: invalid salt: %w", err)
		}
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: cipher init: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: gcm init: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plain and returns nonce||ciphertext.
func (b *Box) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretbox: nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a payload produced by Encrypt. Any tampering or key mismatch
// returns an error.
func (b *Box) Decrypt(sealed []byte) ([]byte, error) {
	ns := b.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("secretbox: payload too short")
	}
	plain, err := b.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("secretbox: open: %w", err)
	}
	return plain, nil
}
