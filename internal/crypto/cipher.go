package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const envelopePrefix = "enc:v1:"

var hkdfInfo = []byte("daisi-wa-dispatcher/instance-tokens")

// ErrEmptyKey is returned when no secret is configured.
var ErrEmptyKey = errors.New("crypto: empty key")

// TokenCipher encrypts gateway credentials for storage.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	// Decrypt returns the input unchanged when it is not a valid envelope,
	// so rows written before encryption keep working.
	Decrypt(ciphertext string) string
}

// XChaCha is a TokenCipher backed by XChaCha20-Poly1305.
type XChaCha struct {
	aead cipher.AEAD
}

var _ TokenCipher = (*XChaCha)(nil)

// NewXChaCha derives a 256-bit key from secret with HKDF-SHA256.
func NewXChaCha(secret string) (*XChaCha, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	return &XChaCha{aead: aead}, nil
}

// Encrypt seals plaintext into an "enc:v1:" envelope. Empty input stays empty.
func (c *XChaCha) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (c *XChaCha) Decrypt(ciphertext string) string {
	if !strings.HasPrefix(ciphertext, envelopePrefix) {
		return ciphertext
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, envelopePrefix))
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return ciphertext
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return ciphertext
	}
	return string(plain)
}

// IsEnvelope reports whether s looks like an encrypted value.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

// Plaintext is a TokenCipher that stores tokens as-is. Used when no key is configured.
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext string) (string, error) { return plaintext, nil }
func (Plaintext) Decrypt(ciphertext string) string         { return ciphertext }
