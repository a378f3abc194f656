package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
)

// Completer runs one model completion. *llm.Adapter implements it.
type Completer interface {
	Invoke(ctx context.Context, modelRef string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.NormalizedResponse, error)
}

// ClarifyCommunication is the clarify_communication tool: one model call that
// translates and explains a piece of text.
type ClarifyCommunication struct {
	model    Completer
	modelRef string
}

// NewClarifyCommunication returns the tool calling model with modelRef.
func NewClarifyCommunication(model Completer, modelRef string) *ClarifyCommunication {
	return &ClarifyCommunication{model: model, modelRef: modelRef}
}

func (t *ClarifyCommunication) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "clarify_communication",
			Description: "Translate foreign-language text, explain phrases or cultural context and resolve misunderstandings between people. Input is the text that needs clarification.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":            map[string]any{"type": "string", "minLength": 1, "description": "The text that needs clarification or translation."},
					"source_language": map[string]any{"type": "string", "description": "Source language if known."},
					"target_language": map[string]any{"type": "string", "description": "Target language. Default: English."},
					"context":         map[string]any{"type": "string", "description": "Additional context about the conversation."},
				},
				"required":             []any{"text"},
				"additionalProperties": false,
			},
		},
	}
}

func (t *ClarifyCommunication) Execute(ctx context.Context, args map[string]any) (string, error) {
	text := stringArg(args, "text")
	if strings.TrimSpace(text) == "" {
		return "", errors.New("no text provided for clarification")
	}
	source := strings.TrimSpace(stringArg(args, "source_language"))
	target := strings.TrimSpace(stringArg(args, "target_language"))
	if target == "" {
		target = "English"
	}
	convo := strings.TrimSpace(stringArg(args, "context"))

	resp, err := t.model.Invoke(ctx, t.modelRef, []llm.Message{
		{Role: llm.RoleUser, Content: clarifyPrompt(text, source, target, convo)},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("clarify: %w", err)
	}
	clarification := strings.TrimSpace(resp.Content)
	if clarification == "" {
		return "", errors.New("clarify: model returned no text")
	}

	if source == "" {
		source = "Auto-detected"
	}
	return Result(map[string]any{
		"original_text":        text,
		"has_foreign_language": hasNonASCII(text),
		"source_language":      source,
		"target_language":      target,
		"clarification":        clarification,
		"suggested_response":   fmt.Sprintf("Based on '%s', here's what they meant: %s", text, clarification),
	})
}

func clarifyPrompt(text, source, target, convo string) string {
	if source == "" {
		source = "Auto-detect"
	}
	if convo == "" {
		convo = "General conversation"
	}
	var b strings.Builder
	b.WriteString("You clarify communication between people and translate when needed.\n\n")
	fmt.Fprintf(&b, "Text to clarify: %q\n", text)
	fmt.Fprintf(&b, "Source language: %s\n", source)
	fmt.Fprintf(&b, "Target language: %s\n", target)
	fmt.Fprintf(&b, "Context: %s\n\n", convo)
	fmt.Fprintf(&b, "Answer directly, without offering help first:\n")
	fmt.Fprintf(&b, "1. A translation to %s if the text is in another language.\n", target)
	b.WriteString("2. What was meant.\n")
	b.WriteString("3. Cultural context if relevant.\n")
	b.WriteString("4. Any ambiguity and how to read it.\n\n")
	b.WriteString(`Be concise. Example: "They said: [translation]. This means [explanation]."`)
	return b.String()
}

func hasNonASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return true
		}
	}
	return false
}
