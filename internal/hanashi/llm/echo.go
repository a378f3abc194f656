package llm

import "context"

// echoProvider answers with the last user message. It needs no network and
// backs the "echo" provider setting used for local development.
type echoProvider struct{}

// NewEcho returns the development provider.
func NewEcho() Provider { return echoProvider{} }

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	return &CompletionResponse{
		Message:      Message{Role: RoleAssistant, Content: "echo: " + last},
		Model:        "echo",
		FinishReason: "stop",
	}, nil
}
