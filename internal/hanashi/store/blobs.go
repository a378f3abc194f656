package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LoadBlob returns the encrypted history blob for userID. ok is false when
// the user has no history yet.
func (s *Store) LoadBlob(ctx context.Context, userID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT blob FROM memory_blobs WHERE user_id = ?", userID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load blob for %s: %w", userID, err)
	}
	return blob, true, nil
}

// SaveBlob replaces the history blob for userID in a single statement, so a
// failed write leaves the previous blob in place.
func (s *Store) SaveBlob(ctx context.Context, userID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_blobs (user_id, blob, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			blob       = excluded.blob,
			updated_at = excluded.updated_at
	`, userID, blob)
	if err != nil {
		return fmt.Errorf("save blob for %s: %w", userID, err)
	}
	return nil
}

// DeleteBlob removes a user's history.
func (s *Store) DeleteBlob(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM memory_blobs WHERE user_id = ?", userID)
	return err
}
