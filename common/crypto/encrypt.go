// Package crypto provides the AES-GCM encryption helpers and bearer-token
// primitives shared by the botmaker and keyring processes.
//
// Encrypted blobs use a fixed at-rest layout:
//
//	[nonce(12)] + [auth tag(16)] + [ciphertext]
//
// so a stored secret is self-contained and decryptable with nothing but the
// 32-byte master key.
package crypto

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
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// TagSize is the GCM authentication tag size (16 bytes).
	TagSize = 16
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
	// TokenBytes is the entropy of a generated bearer token.
	TokenBytes = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrDecrypt is returned for any authentication failure: wrong key,
	// truncated blob, or tampered ciphertext. The underlying cipher error
	// is never exposed.
	ErrDecrypt = errors.New("decryption failed")
)

// Encrypt encrypts plaintext with AES-256-GCM using the given 32-byte key
// and a fresh random nonce. The returned blob follows the package layout
// nonce + tag + ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal emits ciphertext with the tag appended; re-pack into the
	// nonce + tag + ciphertext at-rest layout.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	blob := make([]byte, 0, NonceSize+TagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return blob, nil
}

// Decrypt decrypts a blob produced by Encrypt using the same 32-byte key.
// Any authentication failure is reported as ErrDecrypt without detail.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(blob) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := blob[:NonceSize]
	tag := blob[NonceSize : NonceSize+TagSize]
	ct := blob[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// NewToken returns a fresh URL-safe bearer token with TokenBytes of entropy.
func NewToken() (string, error) {
	raw := make([]byte, TokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the lowercase SHA-256 hex digest of a bearer token.
// This is the only form in which issued tokens are persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
