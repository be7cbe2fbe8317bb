// Package fieldcrypt seals free-text clinical fields with AES-256-GCM before
// they are written to the database.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// prefix marks sealed values so rows written before a key was configured
// still read back as plaintext.
const prefix = "enc:v1:"

// ErrNoKey is returned when a sealed value is read by a Cipher without a key.
var ErrNoKey = errors.New("fieldcrypt: sealed value but no key configured")

// Cipher seals and opens string fields. A Cipher built without a key passes
// values through unchanged.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher for the given 32-byte key. A nil or empty key yields
// a passthrough Cipher.
func New(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return &Cipher{}, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("fieldcrypt: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Enabled reports whether the Cipher encrypts.
func (c *Cipher) Enabled() bool {
	return c != nil && c.aead != nil
}

// Seal encrypts plaintext and returns the prefixed base64 form (nonce first).
func (c *Cipher) Seal(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fieldcrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as is.
func (c *Cipher) Open(value string) (string, error) {
	encoded, ok := strings.CutPrefix(value, prefix)
	if !ok {
		return value, nil
	}
	if !c.Enabled() {
		return "", ErrNoKey
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: base64 decode: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("fieldcrypt: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("fieldcrypt: open: %w", err)
	}
	return string(plaintext), nil
}

// OpenPtr opens an optional field; nil stays nil.
func (c *Cipher) OpenPtr(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := c.Open(*v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
