package pii

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DevelopmentKeyLabel names the fixed fallback key. It is public knowledge and
// protects nothing; it exists so emulator and local runs work without secrets.
const DevelopmentKeyLabel = "zakat-INSECURE-development-key-do-not-use-in-production"

// DevelopmentKey returns the insecure fallback key.
func DevelopmentKey() []byte {
	sum := sha256.Sum256([]byte(DevelopmentKeyLabel))
	return sum[:]
}

// ParseKey accepts a 256-bit key as 64 hex characters or standard base64.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrKeyNotConfigured
	}
	if len(raw) == 2*keySize {
		if key, err := hex.DecodeString(raw); err == nil {
			return key, nil
		}
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: expected hex or base64", ErrInvalidKey)
	}
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// LoadCipher applies the key policy: a configured key always wins; without
// one, non-production environments fall back to the development key and
// production hard-fails.
func LoadCipher(raw string, nonProduction bool) (*Cipher, error) {
	if strings.TrimSpace(raw) == "" {
		if !nonProduction {
			return nil, ErrKeyNotConfigured
		}
		c, err := NewCipher(DevelopmentKey())
		if err != nil {
			return nil, err
		}
		c.insecure = true
		return c, nil
	}
	key, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
