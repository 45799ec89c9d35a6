// Package crypto implements the two AEAD key schedules used across the
// gateway: CryptoManager (AES-256-GCM, for environment variable values) and
// TokenStore (ChaCha20-Poly1305, for OAuth tokens, see tokenstore.go).
// Neither is FIPS-graded; both only protect against casual disk
// exfiltration, which is documented at the call sites that rely on them.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const keyFileName = ".encryption.key"

// Swappable for tests.
var (
	defaultDataDirFn = defaultDataDir
	legacyKeyPath    = legacyKeyPathDefault()
	randReader       io.Reader = rand.Reader
	newGCM                     = func(b cipher.Block) (cipher.AEAD, error) { return cipher.NewGCM(b) }
)

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".mantra-gateway")
}

func legacyKeyPathDefault() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return keyFileName
	}
	return filepath.Join(home, ".pulse", keyFileName)
}

// CryptoManager wraps a 32-byte AES-256-GCM key persisted to disk.
type CryptoManager struct {
	key     []byte
	keyPath string
}

// NewCryptoManagerAt creates (or loads) a CryptoManager rooted at dir. An
// empty dir falls back to defaultDataDirFn().
func NewCryptoManagerAt(dir string) (*CryptoManager, error) {
	if dir == "" {
		dir = defaultDataDirFn()
	}
	key, err := getOrCreateKeyAt(dir)
	if err != nil {
		return nil, err
	}
	return &CryptoManager{key: key, keyPath: filepath.Join(dir, keyFileName)}, nil
}

// getOrCreateKeyAt loads the key stored at dir/.encryption.key, migrating a
// legacy key if present, or generates and persists a fresh one. It refuses
// to generate a fresh key when encrypted data already exists at dir without
// a corresponding key file, since that combination means the key was lost
// and silently minting a new one would orphan the existing ciphertext.
func getOrCreateKeyAt(dir string) ([]byte, error) {
	if dir == "" {
		dir = defaultDataDirFn()
	}
	keyPath := filepath.Join(dir, keyFileName)

	if raw, err := os.ReadFile(keyPath); err == nil {
		if key, ok := decodeKey(raw); ok {
			return key, nil
		}
		// Existing file is present but unreadable as a key (corrupt,
		// wrong length, or actually a directory); fall through and
		// regenerate/migrate below.
	}

	if encFileExists(dir) {
		return nil, errors.New("crypto: encrypted data exists at destination without a key file; refusing to mint a new key")
	}

	if legacyKeyPath != "" && legacyKeyPath != keyPath {
		if raw, err := os.ReadFile(legacyKeyPath); err == nil {
			if key, ok := decodeKey(raw); ok {
				if err := os.MkdirAll(dir, 0o700); err == nil {
					_ = os.WriteFile(keyPath, raw, 0o600)
				}
				return key, nil
			}
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create data dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write key file: %w", err)
	}
	return key, nil
}

func encFileExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "nodes.enc"))
	return err == nil
}

func decodeKey(raw []byte) ([]byte, bool) {
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil || len(decoded) != 32 {
		return nil, false
	}
	return decoded, true
}

// Encrypt seals plaintext with AES-256-GCM, prefixing the output with a
// fresh random nonce.
func (cm *CryptoManager) Encrypt(plaintext []byte) ([]byte, error) {
	if cm == nil || len(cm.key) != 32 {
		return nil, errors.New("crypto: invalid key")
	}
	block, err := aes.NewCipher(cm.key)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data previously produced by Encrypt.
func (cm *CryptoManager) Decrypt(data []byte) ([]byte, error) {
	if cm == nil || len(cm.key) != 32 {
		return nil, errors.New("crypto: invalid key")
	}
	block, err := aes.NewCipher(cm.key)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(block)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptString encrypts s and base64-encodes the result for storage in
// text columns/config files.
func (cm *CryptoManager) EncryptString(s string) (string, error) {
	enc, err := cm.Encrypt([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

// DecryptString is the inverse of EncryptString.
func (cm *CryptoManager) DecryptString(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	dec, err := cm.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(dec), nil
}

// DeriveKey returns a deterministic, purpose-scoped key stream derived from
// cm's master key via HKDF-SHA256. Equal (purpose, shorter-length) calls
// return a prefix of the longer-length output; different purposes never
// collide.
func (cm *CryptoManager) DeriveKey(purpose string, length int) ([]byte, error) {
	if cm == nil || len(cm.key) != 32 {
		return nil, errors.New("crypto: invalid key")
	}
	if length <= 0 {
		return nil, errors.New("crypto: invalid length")
	}
	if purpose == "" {
		return nil, errors.New("crypto: purpose required")
	}
	salt := []byte("mantra-gateway-derive-key-v1")
	r := hkdf.New(sha256.New, cm.key, salt, []byte(purpose))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}
	return out, nil
}

// MaskValue renders v for display, revealing only enough to disambiguate
// entries while hiding the secret body. Values with a recognizable shape
// get a type-specific mask: PEM blocks show only the marker, name=value
// pairs keep the name, emails keep the first letter and domain, and
// all-digit values (phone-style) keep the leading three and trailing
// four digits. Everything else, API keys included, falls back to
// first-3 + **** + last-4.
func MaskValue(v string) string {
	switch {
	case len(v) == 0:
		return ""
	case len(v) <= 8:
		return repeatStar(len(v))
	}

	switch {
	case strings.HasPrefix(v, "-----BEGIN"):
		return "-----BEGIN ****-----"
	case isAssignmentPair(v):
		name, _, _ := strings.Cut(v, "=")
		return name + "=****"
	case isEmailShaped(v):
		at := strings.IndexByte(v, '@')
		return v[:1] + "****" + v[at:]
	case isAllDigits(v):
		return v[:3] + "****" + v[len(v)-4:]
	default:
		// sk-…, ghp_…, and every other opaque secret.
		return v[:3] + "****" + v[len(v)-4:]
	}
}

// isAssignmentPair matches name=value secrets where the name itself is
// safe to show: a bare identifier before the first '='. A trailing
// padding-only '=' run (base64 material) does not count — revealing the
// part before the padding would leak the whole secret.
func isAssignmentPair(v string) bool {
	name, value, found := strings.Cut(v, "=")
	if !found || name == "" || strings.Trim(value, "=") == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

func isEmailShaped(v string) bool {
	at := strings.IndexByte(v, '@')
	if at < 1 || at != strings.LastIndexByte(v, '@') {
		return false
	}
	domain := v[at+1:]
	return strings.Contains(domain, ".") && !strings.ContainsAny(v, " \t\n")
}

func isAllDigits(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

func repeatStar(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}
