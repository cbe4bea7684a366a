// Package credential encrypts the opaque service auth token at rest.
//
// The token is sealed with ChaCha20-Poly1305 under a key derived from a
// host-local secret via scrypt, using a random per-install salt. Sealed
// blobs live in the local store's credential namespace; logout wipes the
// whole store including the salt, so old blobs cannot be reopened.
package credential

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"github.com/dubwire/dubwire/internal/store"
)

// scrypt cost parameters. Interactive-use profile.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

const (
	saltKey  = "salt"
	tokenKey = "token"
	saltLen  = 16
)

// ErrNoCredential is returned by Token when no credential has been saved.
var ErrNoCredential = errors.New("credential: no stored token")

// Vault seals and opens the auth token against the local store.
// Safe for concurrent use; all state lives in the store.
type Vault struct {
	st     *store.Store
	secret []byte
}

// New creates a Vault. secret is a host-local secret (e.g. a machine ID);
// it must be non-empty and stable across restarts for sealed tokens to
// remain readable.
func New(st *store.Store, secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, errors.New("credential: secret must not be empty")
	}
	return &Vault{st: st, secret: secret}, nil
}

// SaveToken seals token and persists it, replacing any previous credential.
func (v *Vault) SaveToken(ctx context.Context, token string) error {
	salt, err := v.salt(ctx)
	if err != nil {
		return err
	}
	aead, err := v.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("credential: nonce: %w", err)
	}

	blob := aead.Seal(nonce, nonce, []byte(token), nil)
	if err := v.st.Put(ctx, store.NSCredential, tokenKey, blob); err != nil {
		return fmt.Errorf("credential: persist token: %w", err)
	}
	return nil
}

// Token opens and returns the stored auth token. Returns [ErrNoCredential]
// when none has been saved, and an error when the blob fails to
// authenticate (tampered or sealed under a different secret).
func (v *Vault) Token(ctx context.Context) (string, error) {
	blob, err := v.st.Get(ctx, store.NSCredential, tokenKey)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}

	salt, err := v.salt(ctx)
	if err != nil {
		return "", err
	}
	aead, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	if len(blob) < aead.NonceSize() {
		return "", errors.New("credential: sealed blob is too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("credential: open sealed token: %w", err)
	}
	return string(plain), nil
}

// DeleteToken removes the stored credential without touching other state.
func (v *Vault) DeleteToken(ctx context.Context) error {
	return v.st.Delete(ctx, store.NSCredential, tokenKey)
}

// salt returns the per-install salt, generating and persisting one on first
// use.
func (v *Vault) salt(ctx context.Context) ([]byte, error) {
	salt, err := v.st.Get(ctx, store.NSCredential, saltKey)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("credential: generate salt: %w", err)
	}
	if err := v.st.Put(ctx, store.NSCredential, saltKey, salt); err != nil {
		return nil, fmt.Errorf("credential: persist salt: %w", err)
	}
	return salt, nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(v.secret, salt, scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("credential: derive key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("credential: init cipher: %w", err)
	}
	return aead, nil
}
