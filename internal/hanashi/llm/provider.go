// Package llm defines the provider strategy interface, the message types
// exchanged with models, and the Adapter that normalizes every provider's
// response into one shape for the turn loop.
//
// Each backend (OpenAI, Gemini, OpenAI-compatible local servers) implements
// Provider. The turn loop never talks to a Provider directly; it goes through
// Adapter.Invoke, which fills in what providers leave out: tool-call IDs, the
// reported model name (or the UnknownModel sentinel) and token usage.
package llm

import (
	"context"
	"fmt"
)

// UnknownModel is reported when a provider does not say which model answered.
const UnknownModel = "unknown"

// Role is the role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in the conversation sent to a model.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // when Role == RoleTool
	Name       string     `json:"name,omitempty"`         // tool name when Role == RoleTool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the tool name and raw JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool the model may call.
type ToolDefinition struct {
	Type     string      `json:"type"` // "function"
	Function FunctionDef `json:"function"`
}

// FunctionDef is the schema of a callable function. Parameters is a JSON
// Schema object decoded into map form.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// CompletionRequest is the input to a single provider call.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// CompletionResponse is what a provider returns. Model is whatever the
// provider reported and may be empty.
type CompletionResponse struct {
	Message      Message
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption.
type TokenUsage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Total returns prompt plus completion tokens.
func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Add returns the element-wise sum; the result is estimated if either side is.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		Estimated:        u.Estimated || o.Estimated,
	}
}

// Provider is one model backend.
type Provider interface {
	// Name identifies the backend in logs and metrics ("openai", "gemini", ...).
	Name() string
	// Complete sends messages and returns the next assistant message, which
	// may contain tool call requests.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ProviderError wraps any failure of a provider call.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
