package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Preference is one remembered user preference, unique per (type, key).
type Preference struct {
	Type       string    `json:"preference_type"`
	Key        string    `json:"preference_key"`
	Value      string    `json:"preference_value"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetPreference inserts or replaces the preference identified by p.Type and
// p.Key for userID.
func (s *Store) SetPreference(ctx context.Context, userID string, p Preference) error {
	if p.Type == "" || p.Key == "" {
		return fmt.Errorf("preference type and key are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, preference_type, preference_key, preference_value, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, preference_type, preference_key) DO UPDATE SET
			preference_value = excluded.preference_value,
			confidence       = excluded.confidence,
			updated_at       = excluded.updated_at
	`, userID, p.Type, p.Key, p.Value, p.Confidence, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// Preferences returns userID's preferences, optionally restricted to one
// type, ordered by type and key.
func (s *Store) Preferences(ctx context.Context, userID, prefType string) ([]Preference, error) {
	query := `SELECT preference_type, preference_key, preference_value, confidence, updated_at
		FROM user_preferences WHERE user_id = ?`
	args := []any{userID}
	if prefType != "" {
		query += " AND preference_type = ?"
		args = append(args, prefType)
	}
	query += " ORDER BY preference_type, preference_key"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		var updated string
		if err := rows.Scan(&p.Type, &p.Key, &p.Value, &p.Confidence, &updated); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePreferences removes userID's preferences matching prefType and key.
// An empty argument matches any value; at least one must be set.
func (s *Store) DeletePreferences(ctx context.Context, userID, prefType, key string) (int64, error) {
	var conds []string
	args := []any{userID}
	if prefType != "" {
		conds = append(conds, "preference_type = ?")
		args = append(args, prefType)
	}
	if key != "" {
		conds = append(conds, "preference_key = ?")
		args = append(args, key)
	}
	if len(conds) == 0 {
		return 0, fmt.Errorf("delete preferences: type or key is required")
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM user_preferences WHERE user_id = ? AND "+strings.Join(conds, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("delete preferences: %w", err)
	}
	return res.RowsAffected()
}

const timeLayout = "2006-01-02T15:04:05Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
