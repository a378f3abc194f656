package llm

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

// NormalizedResponse is the provider-independent result of one model call.
type NormalizedResponse struct {
	Content      string
	ToolCalls    []ToolCall
	Model        string // never empty; UnknownModel when not reported
	Usage        TokenUsage
	FinishReason string
}

// HasToolCalls reports whether the model asked for at least one tool.
func (r *NormalizedResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// AssistantMessage returns the response as a message to append to history.
func (r *NormalizedResponse) AssistantMessage() Message {
	return Message{Role: RoleAssistant, Content: r.Content, ToolCalls: r.ToolCalls}
}

// Adapter wraps a Provider and normalizes its responses.
type Adapter struct {
	provider  Provider
	sink      observability.Sink
	maxTokens int
	now       func() time.Time
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithSink reports every call to s.
func WithSink(s observability.Sink) AdapterOption {
	return func(a *Adapter) { a.sink = s }
}

// WithMaxTokens caps completion length on every request.
func WithMaxTokens(n int) AdapterOption {
	return func(a *Adapter) { a.maxTokens = n }
}

// NewAdapter returns an Adapter for p.
func NewAdapter(p Provider, opts ...AdapterOption) *Adapter {
	a := &Adapter{provider: p, sink: observability.Nop{}, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ProviderName returns the wrapped provider's name.
func (a *Adapter) ProviderName() string { return a.provider.Name() }

// Invoke sends messages and tool definitions to the provider. Every failure
// is returned as *ProviderError.
func (a *Adapter) Invoke(ctx context.Context, modelRef string, messages []Message, tools []ToolDefinition) (*NormalizedResponse, error) {
	req := CompletionRequest{
		Model:     modelRef,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: a.maxTokens,
	}

	start := a.now()
	resp, err := a.provider.Complete(ctx, req)
	elapsed := a.now().Sub(start)

	if err == nil && resp == nil {
		err = errEmptyResponse
	}
	if err != nil {
		perr := &ProviderError{Provider: a.provider.Name(), Model: modelRef, Err: err}
		a.sink.ModelCall(ctx, observability.ModelCallEvent{
			Provider: a.provider.Name(),
			Model:    modelOrUnknown(modelRef),
			Duration: elapsed,
			Err:      perr,
		})
		return nil, perr
	}

	out := &NormalizedResponse{
		Content:      resp.Message.Content,
		ToolCalls:    normalizeToolCalls(resp.Message.ToolCalls),
		Model:        modelOrUnknown(resp.Model),
		Usage:        resp.Usage,
		FinishReason: resp.FinishReason,
	}
	if out.Usage.PromptTokens == 0 && out.Usage.CompletionTokens == 0 {
		out.Usage = estimateUsage(req, resp.Message)
	}

	a.sink.ModelCall(ctx, observability.ModelCallEvent{
		Provider:         a.provider.Name(),
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		Estimated:        out.Usage.Estimated,
		Duration:         elapsed,
	})
	return out, nil
}

type adapterError string

func (e adapterError) Error() string { return string(e) }

const errEmptyResponse = adapterError("provider returned no response")

func modelOrUnknown(m string) string {
	if m = strings.TrimSpace(m); m == "" {
		return UnknownModel
	}
	return m
}

func normalizeToolCalls(in []ToolCall) []ToolCall {
	if len(in) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(in))
	for _, tc := range in {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		if tc.Type == "" {
			tc.Type = "function"
		}
		if strings.TrimSpace(tc.Function.Arguments) == "" {
			tc.Function.Arguments = "{}"
		}
		out = append(out, tc)
	}
	return out
}
