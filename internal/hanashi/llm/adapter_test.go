package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

func TestMain(m *testing.M) {
	countTokens = heuristicTokens
	os.Exit(m.Run())
}

type stubProvider struct {
	resp *CompletionResponse
	err  error
	reqs []CompletionRequest
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	s.reqs = append(s.reqs, req)
	return s.resp, s.err
}

type recordingSink struct {
	observability.Nop
	events []observability.ModelCallEvent
}

func (r *recordingSink) ModelCall(_ context.Context, ev observability.ModelCallEvent) {
	r.events = append(r.events, ev)
}

func TestAdapter_Normalizes(t *testing.T) {
	cases := []struct {
		name          string
		resp          *CompletionResponse
		wantModel     string
		wantEstimated bool
	}{
		{
			name: "reported model and usage pass through",
			resp: &CompletionResponse{
				Message: Message{Role: RoleAssistant, Content: "hi"},
				Model:   "gpt-4o-2024-08-06",
				Usage:   TokenUsage{PromptTokens: 12, CompletionTokens: 3},
			},
			wantModel: "gpt-4o-2024-08-06",
		},
		{
			name:          "missing model becomes unknown",
			resp:          &CompletionResponse{Message: Message{Content: "hi"}, Model: "  "},
			wantModel:     UnknownModel,
			wantEstimated: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			a := NewAdapter(&stubProvider{resp: tc.resp}, WithSink(sink))

			got, err := a.Invoke(context.Background(), "gpt-4o", []Message{{Role: RoleUser, Content: "hello there"}}, nil)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got.Model != tc.wantModel {
				t.Errorf("Model = %q, want %q", got.Model, tc.wantModel)
			}
			if got.Usage.Estimated != tc.wantEstimated {
				t.Errorf("Estimated = %v, want %v", got.Usage.Estimated, tc.wantEstimated)
			}
			if tc.wantEstimated && (got.Usage.PromptTokens == 0 || got.Usage.CompletionTokens == 0) {
				t.Errorf("estimated usage is empty: %+v", got.Usage)
			}
			if len(sink.events) != 1 || sink.events[0].Model != tc.wantModel {
				t.Errorf("sink events = %+v", sink.events)
			}
		})
	}
}

func TestAdapter_FillsToolCallIDs(t *testing.T) {
	p := &stubProvider{resp: &CompletionResponse{
		Message: Message{ToolCalls: []ToolCall{
			{Function: FunctionCall{Name: "web_search", Arguments: `{"query":"x"}`}},
			{ID: "call_1", Type: "function", Function: FunctionCall{Name: "recall_last_conversation"}},
		}},
		Model: "m",
		Usage: TokenUsage{PromptTokens: 1, CompletionTokens: 1},
	}}

	got, err := NewAdapter(p).Invoke(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !got.HasToolCalls() || len(got.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", got.ToolCalls)
	}
	first := got.ToolCalls[0]
	if !strings.HasPrefix(first.ID, "call_") || first.Type != "function" {
		t.Errorf("first call not normalized: %+v", first)
	}
	if got.ToolCalls[1].ID != "call_1" {
		t.Errorf("existing ID replaced: %q", got.ToolCalls[1].ID)
	}
	if got.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("empty arguments = %q, want {}", got.ToolCalls[1].Function.Arguments)
	}
}

func TestAdapter_WrapsFailures(t *testing.T) {
	boom := errors.New("connection refused")
	cases := []struct {
		name string
		p    *stubProvider
	}{
		{"provider error", &stubProvider{err: boom}},
		{"nil response", &stubProvider{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sink := &recordingSink{}
			_, err := NewAdapter(tc.p, WithSink(sink)).Invoke(context.Background(), "gpt-4o", nil, nil)

			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if perr.Provider != "stub" || perr.Model != "gpt-4o" {
				t.Errorf("ProviderError = %+v", perr)
			}
			if tc.p.err != nil && !errors.Is(err, boom) {
				t.Errorf("cause not preserved: %v", err)
			}
			if len(sink.events) != 1 || sink.events[0].Err == nil {
				t.Errorf("failure not reported to sink: %+v", sink.events)
			}
		})
	}
}

func TestAdapter_PassesMaxTokens(t *testing.T) {
	p := &stubProvider{resp: &CompletionResponse{Model: "m"}}
	tools := []ToolDefinition{{Type: "function", Function: FunctionDef{Name: "web_search"}}}

	if _, err := NewAdapter(p, WithMaxTokens(256)).Invoke(context.Background(), "m", nil, tools); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if p.reqs[0].MaxTokens != 256 || len(p.reqs[0].Tools) != 1 {
		t.Errorf("request = %+v", p.reqs[0])
	}
}

func TestHeuristicTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"abcd", 1},
		{"abcde", 2},
		{"日本", 2},
		{"", 1},
	}
	for _, tc := range cases {
		if got := heuristicTokens(tc.in); got != tc.want {
			t.Errorf("heuristicTokens(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestNew(t *testing.T) {
	cases := []struct {
		provider string
		baseURL  string
		wantName string
		wantErr  bool
	}{
		{"openai", "", "openai", false},
		{"Gemini", "", "gemini", false},
		{"lm_studio", "", "lm_studio", false},
		{"ollama", "", "ollama", false},
		{"compatible", "http://localhost:8080/v1", "compatible", false},
		{"compatible", "", "", true},
		{"echo", "", "echo", false},
		{"claude-via-carrier-pigeon", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			p, err := New(Config{Provider: tc.provider, BaseURL: tc.baseURL})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.Name() != tc.wantName {
				t.Errorf("Name = %q, want %q", p.Name(), tc.wantName)
			}
		})
	}
}

func TestEcho(t *testing.T) {
	resp, err := NewEcho().Complete(context.Background(), CompletionRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "ping"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "echo: ping" {
		t.Errorf("content = %q", resp.Message.Content)
	}
}
