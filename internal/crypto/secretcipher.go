// Package crypto seals provider credentials before they are written to the
// database. Cloudflare API tokens can edit DNS and tunnels for every zone the
// account owns, and tunnel tokens let anyone run the connector, so neither is
// ever stored in plaintext. Sealing uses AES-256-GCM; ciphertexts carry a
// version prefix so the format can change without a flag day.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyMissing is returned when no encryption key is configured.
	ErrKeyMissing = errors.New("crypto: encryption key is not configured")
	// ErrKeyLengthInvalid is returned when a raw key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrCiphertextCorrupted is returned for values that are not a sealed secret.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when authentication fails (tampering or wrong key).
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
)

const (
	sealedPrefix = "v1."

	// Passphrases are stretched with a fixed application salt: the same
	// passphrase must yield the same key on every replica and restart.
	passphraseSalt       = "deployx/secret-cipher/v1"
	passphraseIterations = 210000
)

// SecretCipher seals and opens secrets with a single AES-256-GCM key
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher creates a cipher from a 32-byte key
func NewSecretCipher(key []byte) (*SecretCipher, error) {
	if len(key) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretCipher{aead: aead}, nil
}

// FromKeyMaterial builds a cipher from configured key material. Accepted
// forms, in order: base64 (standard or URL) of 32 bytes, 32 raw bytes, or any
// other non-empty string, which is treated as a passphrase and run through
// PBKDF2-SHA256.
func FromKeyMaterial(material string) (*SecretCipher, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, ErrKeyMissing
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(material); err == nil && len(key) == 32 {
			return NewSecretCipher(key)
		}
	}
	if len(material) == 32 {
		return NewSecretCipher([]byte(material))
	}

	key := pbkdf2.Key([]byte(material), []byte(passphraseSalt), passphraseIterations, 32, sha256.New)
	return NewSecretCipher(key)
}

// Seal encrypts plaintext. The empty string seals to the empty string so
// optional secrets stay NULL-able.
func (sc *SecretCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, sc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := sc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (sc *SecretCipher) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", ErrCiphertextCorrupted
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	nonceLen := sc.aead.NonceSize()
	if len(raw) < nonceLen+sc.aead.Overhead() {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := sc.aead.Open(nil, raw[:nonceLen], raw[nonceLen:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a random 32-byte key encoded as standard base64, the
// form FromKeyMaterial expects in DEPLOYX_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
