package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

// PreferenceStore persists per-user preferences.
type PreferenceStore interface {
	SetPreference(ctx context.Context, userID string, p store.Preference) error
	Preferences(ctx context.Context, userID, prefType string) ([]store.Preference, error)
	DeletePreferences(ctx context.Context, userID, prefType, key string) (int64, error)
}

// UserPreference is the user_preference tool.
type UserPreference struct {
	store PreferenceStore
}

// NewUserPreference returns the user_preference tool backed by s.
func NewUserPreference(s PreferenceStore) *UserPreference {
	return &UserPreference{store: s}
}

func (t *UserPreference) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "user_preference",
			Description: "Get, set or delete the current user's preferences (likes, dislikes, communication style, interests).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":           map[string]any{"type": "string", "enum": []any{"get", "set", "delete"}},
					"preference_type":  map[string]any{"type": "string", "description": "Category, e.g. food, music, tone."},
					"preference_key":   map[string]any{"type": "string"},
					"preference_value": map[string]any{"type": "string"},
					"confidence":       map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
				"required":             []any{"action"},
				"additionalProperties": false,
			},
		},
	}
}

func (t *UserPreference) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		return "", err
	}
	prefType := strings.TrimSpace(stringArg(args, "preference_type"))
	key := strings.TrimSpace(stringArg(args, "preference_key"))

	switch action := stringArg(args, "action"); action {
	case "get":
		prefs, err := t.store.Preferences(ctx, userID, prefType)
		if err != nil {
			return "", err
		}
		if prefs == nil {
			prefs = []store.Preference{}
		}
		return Result(map[string]any{"status": "success", "preferences": prefs})

	case "set":
		value := stringArg(args, "preference_value")
		if prefType == "" || key == "" || value == "" {
			return "", fmt.Errorf("missing required fields. Required: preference_type, preference_key, preference_value")
		}
		confidence := 1.0
		if c, ok := args["confidence"].(float64); ok {
			confidence = c
		}
		p := store.Preference{Type: prefType, Key: key, Value: value, Confidence: confidence}
		if err := t.store.SetPreference(ctx, userID, p); err != nil {
			return "", err
		}
		return Result(map[string]any{"status": "success", "message": "Preference set successfully"})

	case "delete":
		if prefType == "" && key == "" {
			return "", fmt.Errorf("must provide at least one of preference_type or preference_key")
		}
		n, err := t.store.DeletePreferences(ctx, userID, prefType, key)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return Result(map[string]any{"status": "error", "message": "No matching preferences found to delete"})
		}
		return Result(map[string]any{"status": "success", "message": "Preferences deleted successfully", "deleted": n})

	default:
		return "", fmt.Errorf("invalid action %q: must be one of get, set, delete", action)
	}
}
