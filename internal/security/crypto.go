package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// RecommendedKeySize is the recommended key size in bytes.
const RecommendedKeySize = 32 // 256 bits

// GenerateKey generates a cryptographically secure random key.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return key, nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)
	derivedKey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derivedKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derivedKey, nil
}

// DeriveKeyWithLabel derives a key with a domain separation label.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("receiverlink:"+label), keySize)
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength checks if a key meets minimum security requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	allSame := true
	for _, b := range key[1:] {
		if b != key[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: key is a single repeated byte", ErrWeakKey)
	}
	return nil
}

// Wipe overwrites data with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
