package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Turn is one row of the turn log.
type Turn struct {
	ID        int64
	TraceID   string
	UserID    string
	RoomID    string
	Message   string
	ToolsUsed []string
	Steps     int
	State     string
	Error     string
	Duration  time.Duration
	StartedAt time.Time
	Finished  bool
}

// LogTurn inserts a new row into turn_log and returns the inserted ID.
// message should already be redacted by the caller.
func (s *Store) LogTurn(ctx context.Context, traceID, userID, roomID, message string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_log (trace_id, user_id, room_id, message, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		traceID, userID, nullableString(roomID), message, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("log turn: %w", err)
	}
	return res.LastInsertId()
}

// FinishTurn records the outcome of a logged turn.
func (s *Store) FinishTurn(ctx context.Context, id int64, toolsUsed []string, steps int, state string, duration time.Duration, errMsg string) error {
	tools, err := encodeList(toolsUsed)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE turn_log
		SET tools_used = ?, steps = ?, state = ?, error_msg = ?, duration_ms = ?, finished_at = ?
		WHERE id = ?`,
		nullableString(tools), steps, state, nullableString(errMsg), duration.Milliseconds(),
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish turn %d: %w", id, err)
	}
	return nil
}

// RecentTurns returns up to limit of userID's most recent turns, newest
// first.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, user_id, COALESCE(room_id, ''), message, COALESCE(tools_used, ''),
			steps, COALESCE(state, ''), COALESCE(error_msg, ''), COALESCE(duration_ms, 0),
			started_at, finished_at IS NOT NULL
		FROM turn_log WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t          Turn
			tools      string
			durationMS int64
			started    string
		)
		if err := rows.Scan(&t.ID, &t.TraceID, &t.UserID, &t.RoomID, &t.Message, &tools,
			&t.Steps, &t.State, &t.Error, &durationMS, &started, &t.Finished); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if tools != "" {
			if err := json.Unmarshal([]byte(tools), &t.ToolsUsed); err != nil {
				return nil, fmt.Errorf("decode tools_used: %w", err)
			}
		}
		t.Duration = time.Duration(durationMS) * time.Millisecond
		t.StartedAt = parseTime(started)
		out = append(out, t)
	}
	return out, rows.Err()
}
