package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LifeEvent is a significant event in a user's life.
type LifeEvent struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"-"`
	Type        string     `json:"event_type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	StartDate   time.Time  `json:"start_date"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	Location    string     `json:"location,omitempty"`
	People      []string   `json:"people_involved,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Impact      int        `json:"impact_level"`
	Private     bool       `json:"is_private"`
}

// AddLifeEvent inserts ev and sets ev.ID.
func (s *Store) AddLifeEvent(ctx context.Context, ev *LifeEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("add life event: user id is required")
	}
	people, err := encodeList(ev.People)
	if err != nil {
		return err
	}
	tags, err := encodeList(ev.Tags)
	if err != nil {
		return err
	}
	var end any
	if ev.EndDate != nil {
		end = formatTime(*ev.EndDate)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO life_events (user_id, event_type, title, description, start_date, end_date,
			location, people_json, tags_json, impact, private)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.Type, ev.Title, nullableString(ev.Description), formatTime(ev.StartDate), end,
		nullableString(ev.Location), nullableString(people), nullableString(tags), ev.Impact, ev.Private,
	)
	if err != nil {
		return fmt.Errorf("insert life event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

const lifeEventColumns = `id, user_id, event_type, title, COALESCE(description, ''), start_date, end_date,
	COALESCE(location, ''), COALESCE(people_json, ''), COALESCE(tags_json, ''), impact, private`

// LifeEvent returns one event owned by userID, or ErrNotFound.
func (s *Store) LifeEvent(ctx context.Context, userID string, id int64) (*LifeEvent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+lifeEventColumns+" FROM life_events WHERE id = ? AND user_id = ?", id, userID)
	ev, err := scanLifeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get life event: %w", err)
	}
	return ev, nil
}

// LifeEvents lists userID's events, newest start date first, optionally
// restricted to one type. limit <= 0 means no limit.
func (s *Store) LifeEvents(ctx context.Context, userID, eventType string, limit int) ([]LifeEvent, error) {
	query := "SELECT " + lifeEventColumns + " FROM life_events WHERE user_id = ?"
	args := []any{userID}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY start_date DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query life events: %w", err)
	}
	defer rows.Close()

	var out []LifeEvent
	for rows.Next() {
		ev, err := scanLifeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan life event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// DeleteLifeEvent removes one event owned by userID and reports whether it
// existed.
func (s *Store) DeleteLifeEvent(ctx context.Context, userID string, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM life_events WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, fmt.Errorf("delete life event: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLifeEvent(r rowScanner) (*LifeEvent, error) {
	var (
		ev           LifeEvent
		start        string
		end          sql.NullString
		people, tags string
	)
	if err := r.Scan(&ev.ID, &ev.UserID, &ev.Type, &ev.Title, &ev.Description, &start, &end,
		&ev.Location, &people, &tags, &ev.Impact, &ev.Private); err != nil {
		return nil, err
	}
	ev.StartDate = parseTime(start)
	if end.Valid {
		t := parseTime(end.String)
		ev.EndDate = &t
	}
	if people != "" {
		if err := json.Unmarshal([]byte(people), &ev.People); err != nil {
			return nil, fmt.Errorf("decode people_json: %w", err)
		}
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, fmt.Errorf("decode tags_json: %w", err)
		}
	}
	return &ev, nil
}

func encodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}
