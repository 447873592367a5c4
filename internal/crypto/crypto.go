// Package crypto keeps the backend session token on disk, sealed with
// AES-256-GCM under a key derived from the machine identifier.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when a sealed value cannot be opened,
	// including when it was sealed on another machine or for another account.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("invalid key")
)

// keyInfo separates attendsync keys from any other use of the machine ID.
const keyInfo = "attendsync/token/v1"

// DeriveKey returns the 32-byte sealing key for machineID (HKDF-SHA256).
func DeriveKey(machineID string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(machineID), nil, []byte(keyInfo))
	// Reads of 32 bytes never fail.
	_, _ = io.ReadFull(r, key)
	return key
}

// Seal encrypts plaintext with key and binds it to aad, which must be passed
// again to Open. The result is base64(nonce || ciphertext).
func Seal(key, plaintext, aad []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, aad)), nil
}

// Open reverses Seal.
func Open(key []byte, sealed string, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(data) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	// Any key length is accepted; it is stretched to 32 bytes.
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
