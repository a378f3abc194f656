package tools

import (
	"context"
	"fmt"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
)

const defaultRecallLimit = 5

// Recaller reads a user's persisted history.
type Recaller interface {
	Recall(ctx context.Context, userID string, limit int) (memory.Recollection, error)
}

// RecallConversation is the recall_last_conversation tool. It reads only the
// history of the user in the context; the Recaller enforces ownership.
type RecallConversation struct {
	memory Recaller
}

// NewRecallConversation returns the tool backed by r.
func NewRecallConversation(r Recaller) *RecallConversation {
	return &RecallConversation{memory: r}
}

func (t *RecallConversation) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "recall_last_conversation",
			Description: "Retrieve the most recent messages of your earlier conversations with the current user. Use when the user asks what you talked about before.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				},
				"additionalProperties": false,
			},
		},
	}
}

type recalledMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Kind      string `json:"kind"`
	Room      string `json:"room,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (t *RecallConversation) Execute(ctx context.Context, args map[string]any) (string, error) {
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		return "", err
	}
	limit := defaultRecallLimit
	if n, ok := args["limit"].(float64); ok && n > 0 {
		limit = int(n)
	}

	rec, err := t.memory.Recall(ctx, userID, limit)
	if err != nil {
		return "", err
	}

	data := make([]recalledMessage, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		data = append(data, recalledMessage{
			Role:      m.Role,
			Content:   m.Content,
			Kind:      string(m.Kind),
			Room:      m.Room,
			Timestamp: m.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	msg := fmt.Sprintf("Retrieved %d messages", len(data))
	if len(data) == 0 {
		msg = "No previous conversation found"
	}
	return Result(map[string]any{
		"status":         "success",
		"message":        msg,
		"data":           data,
		"total_messages": rec.Total,
		"counts":         rec.Counts,
	})
}
