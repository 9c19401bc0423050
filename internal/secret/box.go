// Package secret implements the credential cipher used by the encrypted
// store: AES-256-GCM under a key derived from an operator passphrase with
// argon2id.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	manager "github.com/codexmgr/codexmgr/internal"
)

// SaltSize is the length of the KDF salt persisted by the store.
const SaltSize = 16

// argon2id parameters. Changing these invalidates every stored credential,
// so they are fixed.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	keySize    = 32
)

// Box encrypts and decrypts short secrets. The stored form is
// base64(nonce || ciphertext || tag).
type Box struct {
	aead cipher.AEAD
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Open derives the AEAD from the passphrase and salt.
func Open(passphrase string, salt []byte) (*Box, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("empty kdf salt")
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong key or corrupted record yields
// manager.ErrDecrypt; there is no plaintext fallback.
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", manager.ErrDecrypt)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("%w: ciphertext too short", manager.ErrDecrypt)
	}
	plaintext, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", manager.ErrDecrypt, err)
	}
	return string(plaintext), nil
}
