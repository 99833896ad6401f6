// Package secrets decrypts credentials stored encrypted in node configs.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrNoKey is returned when decryption is attempted without a key.
var ErrNoKey = errors.New("secrets key not configured")

// Decrypter turns stored ciphertext into plaintext.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// DecrypterFunc adapts a function to Decrypter.
type DecrypterFunc func(ctx context.Context, ciphertext string) (string, error)

func (f DecrypterFunc) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return f(ctx, ciphertext)
}

// AESGCM decrypts base64(nonce || sealed) values produced by Encrypt.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 256-bit key from passphrase. An empty passphrase
// yields a decrypter that always fails with ErrNoKey.
func NewAESGCM(passphrase string) (*AESGCM, error) {
	if passphrase == "" {
		return &AESGCM{}, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// Encrypt seals plaintext. It exists for provisioning tools and tests.
func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	if a.aead == nil {
		return "", ErrNoKey
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt implements Decrypter.
func (a *AESGCM) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if a.aead == nil {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := a.aead.NonceSize()
	if len(raw) < ns+a.aead.Overhead() {
		return "", errors.New("ciphertext too short")
	}
	plain, err := a.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plain), nil
}
