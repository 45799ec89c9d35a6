package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const tokenKeyFileName = ".oauth-token.key"

// TokenStore seals OAuth token blobs with ChaCha20-Poly1305 under a key
// generated once per install. An OS keyring is the preferred key home; the
// retrieval pack this module was built from carries no keyring client, so
// TokenStore always falls back to the dedicated key-file path the spec
// describes as the non-keyring alternative (see DESIGN.md).
type TokenStore struct {
	key []byte
}

// NewTokenStoreAt loads or creates the dedicated token-encryption key under
// dir.
func NewTokenStoreAt(dir string) (*TokenStore, error) {
	if dir == "" {
		dir = defaultDataDirFn()
	}
	key, err := getOrCreateTokenKeyAt(dir)
	if err != nil {
		return nil, err
	}
	return &TokenStore{key: key}, nil
}

func getOrCreateTokenKeyAt(dir string) ([]byte, error) {
	keyPath := filepath.Join(dir, tokenKeyFileName)

	if raw, err := os.ReadFile(keyPath); err == nil {
		if key, ok := decodeKey(raw); ok {
			return key, nil
		}
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate token key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create data dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write token key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext, returning nonce‖ciphertext‖tag.
func (ts *TokenStore) Seal(plaintext []byte) ([]byte, error) {
	if ts == nil || len(ts.key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: invalid token store key")
	}
	aead, err := chacha20poly1305.New(ts.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data previously produced by Seal.
func (ts *TokenStore) Open(data []byte) ([]byte, error) {
	if ts == nil || len(ts.key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: invalid token store key")
	}
	aead, err := chacha20poly1305.New(ts.key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// SealString/OpenString are the base64-encoded convenience forms, matching
// CryptoManager's EncryptString/DecryptString for interchangeable storage
// as text columns.
func (ts *TokenStore) SealString(s string) (string, error) {
	enc, err := ts.Seal([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

func (ts *TokenStore) OpenString(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	dec, err := ts.Open(raw)
	if err != nil {
		return "", err
	}
	return string(dec), nil
}
