package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const sealedPrefix = "enc:v1:"

var (
	ErrInvalidCipherKey = errors.New("invalid secret cipher key")
	ErrNotSealed        = errors.New("value is not sealed")
)

// Purposes are bound into the ciphertext as associated data, so a value sealed for one column
// cannot be opened as another.
const (
	PurposeTOTPSecret    = "totp_secret"
	PurposeBankAccount   = "bank_account"
	PurposeClientPayload = "client_payload"
)

type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher accepts a 32 byte key as base64, hex or raw text. Any other non-empty value is
// stretched with SHA-256 so keys inherited from older deployments keep decrypting.
func NewSecretCipher(rawKey string) (*SecretCipher, error) {
	key, err := decodeKey(rawKey)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

func (c *SecretCipher) Seal(purpose, plain string) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrInvalidCipherKey
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := c.aead.Seal(nonce, nonce, []byte(plain), []byte(purpose))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

func (c *SecretCipher) Open(purpose, sealed string) (string, error) {
	if c == nil || c.aead == nil {
		return "", ErrInvalidCipherKey
	}
	trimmed := strings.TrimSpace(sealed)
	if !strings.HasPrefix(trimmed, sealedPrefix) {
		return "", ErrNotSealed
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(trimmed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(payload) <= nonceSize {
		return "", fmt.Errorf("sealed value is truncated")
	}
	plain, err := c.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], []byte(purpose))
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), sealedPrefix)
}

func decodeKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrInvalidCipherKey
	}

	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(trimmed) == 32 {
		return []byte(trimmed), nil
	}

	sum := sha256.Sum256([]byte(trimmed))
	return sum[:], nil
}
