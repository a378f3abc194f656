package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bdobrica/Hanashi/common/redact"
)

// Default endpoints of common local OpenAI-compatible servers.
const (
	LMStudioBaseURL = "http://localhost:1234/v1"
	OllamaBaseURL   = "http://localhost:11434/v1"
)

// CompatibleConfig configures a provider for servers that speak the OpenAI
// chat completions dialect but differ in the details of their responses.
type CompatibleConfig struct {
	// Name labels the backend in logs and metrics. Defaults to "compatible".
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type compatibleProvider struct {
	cfg    CompatibleConfig
	client *http.Client
}

// NewCompatible returns a Provider for an OpenAI-compatible server.
func NewCompatible(cfg CompatibleConfig) Provider {
	if cfg.Name == "" {
		cfg.Name = "compatible"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &compatibleProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *compatibleProvider) Name() string { return p.cfg.Name }

// --- request wire types ---

type compatRequest struct {
	Model     string          `json:"model,omitempty"`
	Messages  []compatMessage `json:"messages"`
	Tools     []compatTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream"`
}

type compatMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"` // string or null
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type compatTool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// Response field paths, tried in order. Servers disagree on where the model
// name and token counts live.
var (
	modelPaths      = []string{"model", "model_name", "modelVersion", "response_metadata.model_name"}
	promptPaths     = []string{"usage.prompt_tokens", "usage.input_tokens", "usageMetadata.promptTokenCount", "prompt_eval_count"}
	completionPaths = []string{"usage.completion_tokens", "usage.output_tokens", "usageMetadata.candidatesTokenCount", "eval_count"}
	messagePaths    = []string{"choices.0.message", "message"}
)

func (p *compatibleProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := compatRequest{Model: model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		cm := compatMessage{Role: string(m.Role), ToolCalls: m.ToolCalls, ToolCallID: m.ToolCallID, Name: m.Name}
		if m.Content != "" {
			cm.Content = m.Content
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, compatTool{Type: "function", Function: t.Function})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseCompatible(resp.StatusCode, raw)
}

func parseCompatible(status int, raw []byte) (*CompletionResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON response (status %d): %s", status, redact.Truncate(string(raw), 200))
	}
	doc := gjson.ParseBytes(raw)

	if e := doc.Get("error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return nil, fmt.Errorf("server error (status %d): %s", status, msg)
	}
	if status >= 400 {
		return nil, fmt.Errorf("unexpected status %d: %s", status, redact.Truncate(string(raw), 200))
	}

	var message gjson.Result
	for _, path := range messagePaths {
		if message = doc.Get(path); message.Exists() {
			break
		}
	}
	if !message.Exists() {
		return nil, fmt.Errorf("no choices in response (status %d)", status)
	}

	msg := Message{Role: RoleAssistant, Content: message.Get("content").String()}
	for _, tc := range message.Get("tool_calls").Array() {
		args := tc.Get("function.arguments")
		argText := args.String()
		if args.IsObject() {
			argText = args.Raw
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:   tc.Get("id").String(),
			Type: tc.Get("type").String(),
			Function: FunctionCall{
				Name:      tc.Get("function.name").String(),
				Arguments: argText,
			},
		})
	}

	finish := doc.Get("choices.0.finish_reason").String()
	if finish == "" {
		finish = doc.Get("done_reason").String()
	}

	return &CompletionResponse{
		Message:      msg,
		Model:        firstString(doc, modelPaths),
		FinishReason: finish,
		Usage: TokenUsage{
			PromptTokens:     int(firstInt(doc, promptPaths)),
			CompletionTokens: int(firstInt(doc, completionPaths)),
		},
	}, nil
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(doc.Get(p).String()); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(doc gjson.Result, paths []string) int64 {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
