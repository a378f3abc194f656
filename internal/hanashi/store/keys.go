package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// LoadWrappedKey returns the wrapped data key for userID. ok is false when no
// key has been provisioned.
func (s *Store) LoadWrappedKey(ctx context.Context, userID string) ([]byte, bool, error) {
	var wrapped []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT wrapped_key FROM user_keys WHERE user_id = ?", userID,
	).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load key for %s: %w", userID, err)
	}
	return wrapped, true, nil
}

// SaveWrappedKey stores the wrapped data key for userID. Keys are never
// replaced: a second call for the same user returns ErrKeyExists.
func (s *Store) SaveWrappedKey(ctx context.Context, userID string, wrapped []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO user_keys (user_id, wrapped_key) VALUES (?, ?)", userID, wrapped,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("save key for %s: %w", userID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
