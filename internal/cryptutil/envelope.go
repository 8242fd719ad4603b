// Package cryptutil provides AES-256-GCM envelope encryption for snapshot
// blobs at rest.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

const (
	encPrefix   = "enc:"
	plainPrefix = "plain:"

	// KeyEnvVar is the environment variable read by KeyFromEnv.
	KeyEnvVar = "REFLEXIVE_SNAPSHOT_ENCRYPTION_KEY"
)

// KeyFromEnv loads the 32-byte envelope key from REFLEXIVE_SNAPSHOT_ENCRYPTION_KEY.
// Accepts hex (64 chars) or base64 encoded values. Returns nil if unset.
func KeyFromEnv() []byte {
	raw := os.Getenv(KeyEnvVar)
	if raw == "" {
		return nil
	}
	if len(raw) == 64 {
		if b, err := hex.DecodeString(raw); err == nil && len(b) == 32 {
			return b
		}
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(b) == 32 {
		return b
	}
	log.Printf("cryptutil: warning: %s is set but could not be decoded as 32-byte hex or base64 — falling back to unencrypted storage", KeyEnvVar)
	return nil
}

// Seal encrypts blob with the configured key, returning a self-describing
// string of the form "enc:<base64(nonce+ciphertext)>". If no key is
// configured it returns "plain:<base64(blob)>" and logs a warning — snapshots
// still round-trip, just without confidentiality at rest.
func Seal(blob []byte) (string, error) {
	key := KeyFromEnv()
	if key == nil {
		log.Printf("cryptutil: WARNING — no encryption key configured; storing snapshot as base64 plaintext (set %s for production)", KeyEnvVar)
		return plainPrefix + base64.StdEncoding.EncodeToString(blob), nil
	}
	return SealWithKey(blob, key)
}

// SealWithKey encrypts blob with an explicit 32-byte key.
func SealWithKey(blob []byte, key []byte) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("cryptutil: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cryptutil: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cryptutil: create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("cryptutil: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, blob, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Handles both "enc:..." and
// "plain:..." formats.
func Open(stored string) ([]byte, error) {
	if strings.HasPrefix(stored, plainPrefix) {
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, plainPrefix))
		if err != nil {
			return nil, fmt.Errorf("cryptutil: decode plaintext value: %w", err)
		}
		return b, nil
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return nil, fmt.Errorf("cryptutil: unknown envelope format (expected enc: or plain: prefix)")
	}
	key := KeyFromEnv()
	if key == nil {
		return nil, fmt.Errorf("cryptutil: %s not configured — cannot decrypt enc: values", KeyEnvVar)
	}
	return OpenWithKey(stored, key)
}

// OpenWithKey decrypts an "enc:..." value with an explicit key.
func OpenWithKey(stored string, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptutil: key must be 32 bytes, got %d", len(key))
	}
	if !strings.HasPrefix(stored, encPrefix) {
		return nil, fmt.Errorf("cryptutil: expected enc: prefix")
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("cryptutil: base64 decode: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("cryptutil: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: decrypt: %w", err)
	}
	return plaintext, nil
}
