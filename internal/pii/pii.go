// Package pii protects applicant identifiers at rest. SSNs are sealed with
// AES-256-GCM into a self-describing envelope stored in a single document
// field, and a keyed hash derived from the same key material supports
// equality lookups without decrypting.
package pii

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/hkdf"

	"zakat.org/internal/apperr"
)

const (
	// CurrentKeyVersion is stamped on every new envelope.
	CurrentKeyVersion = 1

	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	searchKeyInfo = "zakat/ssn-search-index/v1"

	// MaskedUnknown is shown when no trailing digits can be revealed.
	MaskedUnknown = "***-**-****"
)

var (
	ErrKeyNotConfigured      = fmt.Errorf("%w: encryption key is not configured", apperr.ErrInternal)
	ErrInvalidKey            = fmt.Errorf("%w: encryption key must be 32 bytes", apperr.ErrInternal)
	ErrUnsupportedKeyVersion = fmt.Errorf("%w: unsupported key version", apperr.ErrInternal)
	ErrAuthenticationFailed  = fmt.Errorf("%w: ciphertext authentication failed", apperr.ErrInternal)
	ErrMalformedEnvelope     = fmt.Errorf("%w: malformed encryption envelope", apperr.ErrInternal)
	ErrInvalidSSNFormat      = fmt.Errorf("%w: ssn must match XXX-XX-XXXX", apperr.ErrInvalidArgument)
)

var ssnPattern = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)

// b64 rejects non-canonical trailing bits so that every bit of a stored
// envelope is significant.
var b64 = base64.StdEncoding.Strict()

// Envelope is one encrypted value.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	KeyVersion int    `json:"keyVersion"`
}

// Cipher seals and opens envelopes. It is safe for concurrent use.
type Cipher struct {
	keys      map[int][]byte
	current   int
	searchKey []byte
	insecure  bool
}

// Option configures a Cipher.
type Option func(*Cipher) error

// WithRetiredKey registers an older key so envelopes sealed before a rotation
// can still be opened. New envelopes always use the current key.
func WithRetiredKey(version int, key []byte) Option {
	return func(c *Cipher) error {
		if version <= 0 || version == c.current {
			return fmt.Errorf("%w: retired key version %d", apperr.ErrInternal, version)
		}
		if len(key) != keySize {
			return ErrInvalidKey
		}
		c.keys[version] = append([]byte(nil), key...)
		return nil
	}
}

// NewCipher builds a Cipher around a 256-bit key.
func NewCipher(key []byte, opts ...Option) (*Cipher, error) {
	if len(key) == 0 {
		return nil, ErrKeyNotConfigured
	}
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	c := &Cipher{
		keys:    map[int][]byte{CurrentKeyVersion: append([]byte(nil), key...)},
		current: CurrentKeyVersion,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	searchKey := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(searchKeyInfo)), searchKey); err != nil {
		return nil, fmt.Errorf("%w: derive search key: %v", apperr.ErrInternal, err)
	}
	c.searchKey = searchKey
	return c, nil
}

// Insecure reports whether the cipher runs on the development fallback key.
func (c *Cipher) Insecure() bool { return c.insecure }

// Encrypt seals plaintext under the current key with a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (Envelope, error) {
	aead, err := newAEAD(c.keys[c.current])
	if err != nil {
		return Envelope{}, err
	}
	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("%w: generate iv: %v", apperr.ErrInternal, err)
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagSize
	return Envelope{
		Ciphertext: b64.EncodeToString(sealed[:split]),
		IV:         b64.EncodeToString(iv),
		AuthTag:    b64.EncodeToString(sealed[split:]),
		KeyVersion: c.current,
	}, nil
}

// Decrypt opens an envelope and verifies its authentication tag.
func (c *Cipher) Decrypt(env Envelope) (string, error) {
	key, ok := c.keys[env.KeyVersion]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedKeyVersion, env.KeyVersion)
	}
	ciphertext, err := b64.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext", ErrMalformedEnvelope)
	}
	iv, err := b64.DecodeString(env.IV)
	if err != nil || len(iv) != nonceSize {
		return "", fmt.Errorf("%w: iv", ErrMalformedEnvelope)
	}
	tag, err := b64.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: auth tag", ErrMalformedEnvelope)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

// EncryptSSN validates the XXX-XX-XXXX format and returns the serialized
// envelope for storage.
func (c *Cipher) EncryptSSN(ssn string) (string, error) {
	ssn = strings.TrimSpace(ssn)
	if !ssnPattern.MatchString(ssn) {
		return "", ErrInvalidSSNFormat
	}
	env, err := c.Encrypt(ssn)
	if err != nil {
		return "", err
	}
	return Serialize(env)
}

// DecryptSSN opens a serialized envelope produced by EncryptSSN.
func (c *Cipher) DecryptSSN(serialized string) (string, error) {
	env, err := Parse(serialized)
	if err != nil {
		return "", err
	}
	ssn, err := c.Decrypt(env)
	if err != nil {
		return "", err
	}
	if !ssnPattern.MatchString(ssn) {
		return "", fmt.Errorf("%w: decrypted value is not an ssn", ErrMalformedEnvelope)
	}
	return ssn, nil
}

// MaskSSN renders ***-**-1234 from either a plaintext SSN or a serialized
// envelope.
func (c *Cipher) MaskSSN(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if strings.HasPrefix(value, "{") {
		plain, err := c.DecryptSSN(value)
		if err != nil {
			return "", err
		}
		value = plain
	}
	digits := digitsOnly(value)
	if len(digits) < 4 {
		return MaskedUnknown, nil
	}
	return "***-**-" + digits[len(digits)-4:], nil
}

// HashSSNForSearch returns a deterministic keyed digest of the SSN digits.
func (c *Cipher) HashSSNForSearch(ssn string) (string, error) {
	digits := digitsOnly(ssn)
	if len(digits) != 9 {
		return "", ErrInvalidSSNFormat
	}
	mac := hmac.New(sha256.New, c.searchKey)
	mac.Write([]byte(digits))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Serialize encodes the envelope as a compact JSON object.
func Serialize(env Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("%w: encode envelope: %v", apperr.ErrInternal, err)
	}
	return string(data), nil
}

// Parse decodes a serialized envelope. Field names must match exactly and no
// extra fields are tolerated.
func Parse(serialized string) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(serialized), &raw); err != nil {
		return Envelope{}, ErrMalformedEnvelope
	}
	if len(raw) != 4 {
		return Envelope{}, ErrMalformedEnvelope
	}
	var env Envelope
	fields := []struct {
		name string
		dst  any
	}{
		{"ciphertext", &env.Ciphertext},
		{"iv", &env.IV},
		{"authTag", &env.AuthTag},
		{"keyVersion", &env.KeyVersion},
	}
	for _, f := range fields {
		value, ok := raw[f.name]
		if !ok {
			return Envelope{}, fmt.Errorf("%w: missing %s", ErrMalformedEnvelope, f.name)
		}
		if err := json.Unmarshal(value, f.dst); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, f.name)
		}
	}
	if env.Ciphertext == "" || env.IV == "" || env.AuthTag == "" {
		return Envelope{}, ErrMalformedEnvelope
	}
	return env, nil
}

// IsEnvelope reports whether value structurally looks like a serialized envelope.
func IsEnvelope(value string) bool {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "{") {
		return false
	}
	_, err := Parse(value)
	return err == nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	return aead, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
