// Package crypto implements the core.Cipher collaborator used to seal batch
// payloads before upload. Hosts that keep key material in platform secure
// storage can supply their own Cipher instead.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AEAD seals payloads with XChaCha20-Poly1305 and signs ciphertexts with
// HMAC-SHA256. Both keys are derived from a single master secret via
// HKDF-SHA256 so hosts only manage one secret.
type AEAD struct {
	aead    cipher.AEAD
	hmacKey []byte
}

// NewAEAD derives the encryption and signing keys from masterKey and returns
// a ready cipher. The master key may be any non-empty secret; 32 random bytes
// are recommended.
func NewAEAD(masterKey []byte) (*AEAD, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key must not be empty")
	}

	encKey, err := deriveKey(masterKey, "telemetry-payload-encryption", chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	hmacKey, err := deriveKey(masterKey, "telemetry-payload-signature", sha256.Size)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &AEAD{aead: aead, hmacKey: hmacKey}, nil
}

func deriveKey(secret []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prepended
// to the returned ciphertext.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("ciphertext too short")
	}
	nonce, data := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := a.aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// HMAC returns the hex-encoded HMAC-SHA256 of data under the signing key.
func (a *AEAD) HMAC(data []byte) string {
	mac := hmac.New(sha256.New, a.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Noop passes payloads through unchanged and signs with an unkeyed SHA-256
// digest. It exists for local development against ingest stubs; production
// setups use AEAD or a host-provided Cipher.
type Noop struct{}

// Encrypt returns the plaintext unchanged.
func (Noop) Encrypt(plaintext []byte) ([]byte, error) { return plaintext, nil }

// Decrypt returns the ciphertext unchanged.
func (Noop) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// HMAC returns the hex-encoded SHA-256 of data.
func (Noop) HMAC(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
