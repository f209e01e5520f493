package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const MasterKeySize = 32

// ErrDecrypt is returned for every failed authentication check. The cause
// (tampered ciphertext, IV, tag or the wrong key) is deliberately not
// distinguished.
var ErrDecrypt = errors.New("ciphertext failed authentication")

// Cipher is AES-256-GCM under one master key.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{aead: aesGCM, rand: rand.Reader}, nil
}

// ParseMasterKey accepts a 32-byte key encoded as hex or base64 (standard or
// URL alphabet, padded or not).
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errors.New("master key is empty")
	}

	if len(encoded) == hex.EncodedLen(MasterKeySize) {
		if key, err := hex.DecodeString(encoded); err == nil {
			return key, nil
		}
	}

	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(encoded)
		if err == nil && len(key) == MasterKeySize {
			return key, nil
		}
	}

	return nil, fmt.Errorf("master key must decode to %d bytes", MasterKeySize)
}

// Encrypt seals plaintext under a fresh random nonce and returns the three
// parts separately so they can be stored in their own columns.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, iv, authTag []byte, err error) {
	iv = make([]byte, c.aead.NonceSize())
	if _, err = io.ReadFull(c.rand, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("read nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - c.aead.Overhead()

	return sealed[:tagStart], iv, sealed[tagStart:], nil
}

func (c *Cipher) Decrypt(ciphertext, iv, authTag []byte) ([]byte, error) {
	if len(iv) != c.aead.NonceSize() || len(authTag) != c.aead.Overhead() {
		return nil, ErrDecrypt
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}
