package store

import (
	"context"
	"fmt"
	"time"
)

// MaxSkillLevel is the highest level a skill can reach.
const MaxSkillLevel = 10

// SkillLevel is the latest evaluation of one skill for a user.
type SkillLevel struct {
	Skill     string    `json:"skill"`
	Level     int       `json:"level"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetSkillLevel records l for userID, replacing the previous evaluation of
// the same skill.
func (s *Store) SetSkillLevel(ctx context.Context, userID string, l SkillLevel) error {
	if l.Skill == "" {
		return fmt.Errorf("skill name is required")
	}
	if l.Level < 0 || l.Level > MaxSkillLevel {
		return fmt.Errorf("skill level %d out of range 0-%d", l.Level, MaxSkillLevel)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_levels (user_id, skill, level, score, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, skill) DO UPDATE SET
			level      = excluded.level,
			score      = excluded.score,
			updated_at = excluded.updated_at
	`, userID, l.Skill, l.Level, l.Score, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set skill level: %w", err)
	}
	return nil
}

// SkillLevels returns userID's evaluated skills ordered by name.
func (s *Store) SkillLevels(ctx context.Context, userID string) ([]SkillLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill, level, score, updated_at FROM skill_levels
		WHERE user_id = ? ORDER BY skill`, userID)
	if err != nil {
		return nil, fmt.Errorf("query skill levels: %w", err)
	}
	defer rows.Close()

	var out []SkillLevel
	for rows.Next() {
		var l SkillLevel
		var updated string
		if err := rows.Scan(&l.Skill, &l.Level, &l.Score, &updated); err != nil {
			return nil, fmt.Errorf("scan skill level: %w", err)
		}
		l.UpdatedAt = parseTime(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}
