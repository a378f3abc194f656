package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

// LifeEventStore persists per-user life events.
type LifeEventStore interface {
	AddLifeEvent(ctx context.Context, ev *store.LifeEvent) error
	LifeEvent(ctx context.Context, userID string, id int64) (*store.LifeEvent, error)
	LifeEvents(ctx context.Context, userID, eventType string, limit int) ([]store.LifeEvent, error)
	DeleteLifeEvent(ctx context.Context, userID string, id int64) (bool, error)
}

var lifeEventTypes = []any{
	"birth", "education", "career", "relationship", "health",
	"legal", "travel", "achievement", "loss", "other",
}

// LifeEvents is the life_event tool.
type LifeEvents struct {
	store LifeEventStore
	now   func() time.Time
}

// NewLifeEvents returns the life_event tool backed by s.
func NewLifeEvents(s LifeEventStore) *LifeEvents {
	return &LifeEvents{store: s, now: time.Now}
}

func (t *LifeEvents) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "life_event",
			Description: "Record and look up significant events in the current user's life (graduations, moves, new jobs, births). Actions: add, get, list, delete, timeline.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":          map[string]any{"type": "string", "enum": []any{"add", "get", "list", "delete", "timeline"}},
					"event_id":        map[string]any{"type": "integer", "minimum": 1},
					"event_type":      map[string]any{"type": "string", "enum": lifeEventTypes},
					"title":           map[string]any{"type": "string"},
					"description":     map[string]any{"type": "string"},
					"start_date":      map[string]any{"type": "string", "description": "YYYY-MM-DD or RFC 3339."},
					"end_date":        map[string]any{"type": "string"},
					"location":        map[string]any{"type": "string"},
					"people_involved": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"impact_level":    map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
					"tags":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"limit":           map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				},
				"required":             []any{"action"},
				"additionalProperties": false,
			},
		},
	}
}

func (t *LifeEvents) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		return "", err
	}

	switch action := stringArg(args, "action"); action {
	case "add":
		ev, err := t.eventFromArgs(userID, args)
		if err != nil {
			return "", err
		}
		if err := t.store.AddLifeEvent(ctx, ev); err != nil {
			return "", err
		}
		return Result(map[string]any{"status": "success", "message": "Life event added successfully", "event": ev})

	case "get":
		id, err := eventID(args)
		if err != nil {
			return "", err
		}
		ev, err := t.store.LifeEvent(ctx, userID, id)
		if errors.Is(err, store.ErrNotFound) {
			return Result(map[string]any{"status": "error", "message": "Event not found"})
		}
		if err != nil {
			return "", err
		}
		return Result(map[string]any{"status": "success", "event": ev})

	case "list":
		limit := 50
		if n, ok := args["limit"].(float64); ok {
			limit = int(n)
		}
		events, err := t.store.LifeEvents(ctx, userID, stringArg(args, "event_type"), limit)
		if err != nil {
			return "", err
		}
		if events == nil {
			events = []store.LifeEvent{}
		}
		return Result(map[string]any{"status": "success", "events": events, "count": len(events)})

	case "delete":
		id, err := eventID(args)
		if err != nil {
			return "", err
		}
		ok, err := t.store.DeleteLifeEvent(ctx, userID, id)
		if err != nil {
			return "", err
		}
		if !ok {
			return Result(map[string]any{"status": "error", "message": "Event not found"})
		}
		return Result(map[string]any{"status": "success", "message": "Event deleted successfully"})

	case "timeline":
		events, err := t.store.LifeEvents(ctx, userID, "", 1000)
		if err != nil {
			return "", err
		}
		timeline := make(map[string][]store.LifeEvent)
		for _, ev := range events {
			year := strconv.Itoa(ev.StartDate.Year())
			timeline[year] = append(timeline[year], ev)
		}
		return Result(map[string]any{"status": "success", "timeline": timeline})

	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (t *LifeEvents) eventFromArgs(userID string, args map[string]any) (*store.LifeEvent, error) {
	ev := &store.LifeEvent{
		UserID:      userID,
		Type:        stringArg(args, "event_type"),
		Title:       strings.TrimSpace(stringArg(args, "title")),
		Description: stringArg(args, "description"),
		Location:    stringArg(args, "location"),
		People:      stringsArg(args, "people_involved"),
		Tags:        stringsArg(args, "tags"),
		Impact:      5,
		Private:     true,
	}
	if ev.Type == "" {
		ev.Type = "other"
	}
	if ev.Title == "" {
		ev.Title = "Untitled Event"
	}
	if n, ok := args["impact_level"].(float64); ok {
		ev.Impact = int(n)
	}

	start, err := parseDate(stringArg(args, "start_date"))
	if err != nil {
		return nil, fmt.Errorf("start_date: %w", err)
	}
	if start.IsZero() {
		start = t.now().UTC()
	}
	ev.StartDate = start

	end, err := parseDate(stringArg(args, "end_date"))
	if err != nil {
		return nil, fmt.Errorf("end_date: %w", err)
	}
	if !end.IsZero() {
		ev.EndDate = &end
	}
	return ev, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func eventID(args map[string]any) (int64, error) {
	n, ok := args["event_id"].(float64)
	if !ok || n < 1 {
		return 0, fmt.Errorf("event_id is required")
	}
	return int64(n), nil
}

func stringsArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
