package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Hanashi/common/crypto"
)

// UserKey is a user's data key. The key bytes never leave this package: the
// value prints, logs and marshals as a redacted placeholder.
type UserKey struct {
	userID string
	key    []byte
}

// NewUserKey copies key and binds it to userID.
func NewUserKey(userID string, key []byte) (*UserKey, error) {
	if userID == "" {
		return nil, errors.New("memory: user key needs a user ID")
	}
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &UserKey{userID: userID, key: k}, nil
}

// UserID returns the owner of the key.
func (k *UserKey) UserID() string { return k.userID }

// Destroy zeroes the key material. The key is unusable afterwards.
func (k *UserKey) Destroy() {
	for i := range k.key {
		k.key[i] = 0
	}
	k.key = nil
}

func (k *UserKey) String() string {
	return fmt.Sprintf("UserKey(%s, [REDACTED])", k.userID)
}

// LogValue implements slog.LogValuer.
func (k *UserKey) LogValue() slog.Value {
	return slog.GroupValue(slog.String("user_id", k.userID), slog.String("key", "[REDACTED]"))
}

// MarshalJSON refuses to serialize key material.
func (k *UserKey) MarshalJSON() ([]byte, error) {
	return nil, errors.New("memory: user keys are not serializable")
}

// KeySource resolves the key of a user.
type KeySource interface {
	UserKey(ctx context.Context, userID string) (*UserKey, error)
}
