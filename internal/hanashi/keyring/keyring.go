// Package keyring provisions and resolves per-user data keys.
//
// Each user gets a random 32-byte data key at provisioning time. The key is
// stored wrapped (AES-256-GCM) under a key-encryption key derived from the
// master key, with the user ID bound as additional data so a wrapped key
// cannot be moved to another user. Data keys are never derived from the
// user ID or any other guessable input.
package keyring

import (
	"context"
	"errors"
	"fmt"

	"github.com/bdobrica/Hanashi/common/crypto"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

// ErrNotProvisioned is returned by UserKey for a user without a key.
var ErrNotProvisioned = errors.New("keyring: user has no key")

// WrappedKeyStore persists wrapped keys. SaveWrappedKey must return
// store.ErrKeyExists rather than overwrite.
type WrappedKeyStore interface {
	LoadWrappedKey(ctx context.Context, userID string) ([]byte, bool, error)
	SaveWrappedKey(ctx context.Context, userID string, wrapped []byte) error
}

// Keyring implements memory.KeySource.
type Keyring struct {
	store WrappedKeyStore
	kek   []byte
}

var _ memory.KeySource = (*Keyring)(nil)

// New derives the key-encryption key from master.
func New(s WrappedKeyStore, master []byte) (*Keyring, error) {
	if s == nil {
		return nil, errors.New("keyring: nil store")
	}
	kek, err := crypto.DeriveKey(master, "hanashi/user-keys")
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return &Keyring{store: s, kek: kek}, nil
}

func aad(userID string) []byte {
	return []byte("hanashi/keyring/v1:" + userID)
}

// Provision generates and stores a key for userID. It returns
// store.ErrKeyExists if the user already has one; existing keys are never
// replaced, since that would make the user's history unreadable.
func (k *Keyring) Provision(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("keyring: empty user ID")
	}
	if _, ok, err := k.store.LoadWrappedKey(ctx, userID); err != nil {
		return fmt.Errorf("keyring: %w", err)
	} else if ok {
		return store.ErrKeyExists
	}

	dataKey, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("keyring: %w", err)
	}
	defer zero(dataKey)

	wrapped, err := crypto.Seal(k.kek, dataKey, aad(userID))
	if err != nil {
		return fmt.Errorf("keyring: wrap key: %w", err)
	}
	return k.store.SaveWrappedKey(ctx, userID, wrapped)
}

// EnsureProvisioned provisions userID unless a key already exists.
func (k *Keyring) EnsureProvisioned(ctx context.Context, userID string) error {
	err := k.Provision(ctx, userID)
	if errors.Is(err, store.ErrKeyExists) {
		return nil
	}
	return err
}

// UserKey unwraps userID's data key.
func (k *Keyring) UserKey(ctx context.Context, userID string) (*memory.UserKey, error) {
	wrapped, ok, err := k.store.LoadWrappedKey(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotProvisioned, userID)
	}
	dataKey, err := crypto.Open(k.kek, wrapped, aad(userID))
	if err != nil {
		return nil, fmt.Errorf("keyring: unwrap key for %s: %w", userID, err)
	}
	defer zero(dataKey)
	return memory.NewUserKey(userID, dataKey)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
