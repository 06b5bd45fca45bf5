package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// keyFile is the name of the sealing key file under the configuration
// directory. Created with a fresh random key on first use, mode 0600.
const keyFile = "credentials.key"

// ErrSealedCorrupt is returned when a sealed blob cannot be decrypted,
// typically because the key file was replaced.
var ErrSealedCorrupt = errors.New("state: sealed credentials corrupt or key changed")

// Sealer encrypts provider credentials at rest with AES-GCM. The key never
// leaves the configuration directory; sealed blobs are base64 of
// nonce||ciphertext.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer loads the sealing key from configDir, generating one when
// absent.
func NewSealer(configDir string) (*Sealer, error) {
	path := filepath.Join(configDir, keyFile)

	key, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating sealing key: %w", err)
		}
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, key, 0o600); err != nil {
			return nil, fmt.Errorf("writing sealing key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading sealing key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 blob.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedCorrupt, err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, ErrSealedCorrupt
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	return plaintext, nil
}
