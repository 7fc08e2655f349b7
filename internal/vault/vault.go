// Package vault decrypts stored API key ciphertexts on demand.
//
// Key records hold an AES-256-GCM sealed form of the upstream secret; the
// 32-byte master key lives only in process memory, sourced from the
// environment at startup. Unsealed cleartext is handed to exactly one
// upstream call and never logged — use Mask for anything user- or
// log-visible.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = 32

// Vault seals and unseals API key secrets with a process-wide master key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a raw 32-byte master key.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromString creates a Vault from an encoded master key: base64 (standard
// or URL-safe) or hex, decoding to exactly 32 bytes.
func NewFromString(encoded string) (*Vault, error) {
	if encoded == "" {
		return nil, fmt.Errorf("vault: master key is empty")
	}
	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		hex.DecodeString,
	} {
		if raw, err := decode(encoded); err == nil && len(raw) == MasterKeySize {
			return New(raw)
		}
	}
	return nil, fmt.Errorf("vault: master key must decode (base64 or hex) to %d bytes", MasterKeySize)
}

// Seal encrypts a cleartext secret into the stored form: base64(nonce || ct).
// Used by the admin surface when a key record is created or rotated.
func (v *Vault) Seal(cleartext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(cleartext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unseal decrypts a stored ciphertext into the transient cleartext used for a
// single upstream call. The error never includes key material.
func (v *Vault) Unseal(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: ciphertext is not base64")
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+1 {
		return "", fmt.Errorf("vault: ciphertext too short")
	}
	cleartext, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("vault: decryption failed")
	}
	return string(cleartext), nil
}

// Mask returns the log-safe form of a secret: "…" plus the last 4 characters.
// Secrets of 4 characters or fewer are fully masked.
func Mask(cleartext string) string {
	const keep = 4
	r := []rune(cleartext)
	if len(r) <= keep {
		return "…"
	}
	return "…" + string(r[len(r)-keep:])
}
