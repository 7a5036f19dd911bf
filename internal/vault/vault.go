// Package vault encrypts credentials and sync cursors at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// process-wide master secret. The (scope, key) slot is bound as additional
// data, so a ciphertext moved to another slot fails to open.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMissingKey is returned when no master key is configured.
	ErrMissingKey = errors.New("vault: encryption key is required")
	// ErrDecrypt is returned when a value fails authentication.
	ErrDecrypt = errors.New("vault: ciphertext failed authentication")
)

const hkdfInfo = "outreach-vault-v1"

// KV is the backing store: upsert by key and point lookup by key
type KV interface {
	PutSecrets(ctx context.Context, scope string, values map[string][]byte) error
	GetSecret(ctx context.Context, scope, key string) ([]byte, bool, error)
	DeleteSecrets(ctx context.Context, scope string, keys ...string) error
}

// Vault seals values before they reach the backing store
type Vault struct {
	kv   KV
	aead cipher.AEAD
}

// New derives the data key from masterKey and returns a Vault over kv
func New(masterKey string, kv KV) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrMissingKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	return &Vault{kv: kv, aead: aead}, nil
}

func slotAD(scope, key string) []byte {
	return []byte(scope + "\x00" + key)
}

func (v *Vault) seal(scope, key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, slotAD(scope, key)), nil
}

func (v *Vault) open(scope, key string, sealed []byte) ([]byte, error) {
	if len(sealed) < v.aead.NonceSize()+v.aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, slotAD(scope, key))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Put seals and stores plaintext under (scope, key)
func (v *Vault) Put(ctx context.Context, scope, key string, plaintext []byte) error {
	return v.PutAll(ctx, scope, map[string][]byte{key: plaintext})
}

// PutAll seals and stores several values under scope as one write
func (v *Vault) PutAll(ctx context.Context, scope string, values map[string][]byte) error {
	sealed := make(map[string][]byte, len(values))
	for key, plaintext := range values {
		ct, err := v.seal(scope, key, plaintext)
		if err != nil {
			return err
		}
		sealed[key] = ct
	}
	return v.kv.PutSecrets(ctx, scope, sealed)
}

// Get returns the plaintext under (scope, key). ok is false when absent.
func (v *Vault) Get(ctx context.Context, scope, key string) (plaintext []byte, ok bool, err error) {
	sealed, ok, err := v.kv.GetSecret(ctx, scope, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	plaintext, err = v.open(scope, key, sealed)
	if err != nil {
		return nil, false, fmt.Errorf("vault: open %s/%s: %w", scope, key, err)
	}
	return plaintext, true, nil
}

// GetString is Get for string values
func (v *Vault) GetString(ctx context.Context, scope, key string) (string, bool, error) {
	b, ok, err := v.Get(ctx, scope, key)
	return string(b), ok, err
}

// Delete removes keys under scope
func (v *Vault) Delete(ctx context.Context, scope string, keys ...string) error {
	return v.kv.DeleteSecrets(ctx, scope, keys...)
}
