package security

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedDataCorrupt is returned when sealed data fails authentication.
var ErrSealedDataCorrupt = errors.New("security: sealed data is corrupt or was sealed with another key")

// Sealer encrypts small secrets, such as receiver auth tokens, for storage
// at rest with XChaCha20-Poly1305 under a key derived from a master key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a sealing key for label from masterKey.
func NewSealer(masterKey []byte, label string) (*Sealer, error) {
	key, err := DeriveKeyWithLabel(masterKey, label, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to additional. The result is nonce||ciphertext.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrSealedDataCorrupt
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], additional)
	if err != nil {
		return nil, ErrSealedDataCorrupt
	}
	return plaintext, nil
}

// LoadOrCreateMasterKey reads the master key at path, generating and
// persisting a new one on first use. Creation is serialized across
// processes by a lock file beside the key.
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	if err := EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	lock, err := LockPath(path + ".lock")
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	key, err := ReadSecureFile(path, 1024)
	switch {
	case err == nil:
		if err := ValidateKeyStrength(key); err != nil {
			return nil, fmt.Errorf("master key %s: %w", path, err)
		}
		return key, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key, err = GenerateKey(RecommendedKeySize)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, key); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}
