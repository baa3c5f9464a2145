package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

var ErrInvalidKey = errors.New("crypto: vault key must be 32 bytes")

// Vault encrypts and decrypts stored database credentials. It is the only holder of the key.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a Vault from a raw 32-byte key
func NewVault(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Vault{aead: aesgcm}, nil
}

// NewVaultFromBase64 creates a Vault from a base64 (std encoding) key
func NewVaultFromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode vault key: %w", err)
	}
	return NewVault(key)
}

// Encrypt encrypts data using AES-GCM and returns the ciphertext and nonce
func (v *Vault) Encrypt(plaintext string) ([]byte, []byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}

	ciphertext := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return ciphertext, nonce, nil
}

// Decrypt decrypts AES-GCM encrypted data
func (v *Vault) Decrypt(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != v.aead.NonceSize() {
		return "", fmt.Errorf("crypto: invalid nonce length %d", len(nonce))
	}

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
