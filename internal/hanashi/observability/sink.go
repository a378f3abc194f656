package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ModelCallEvent describes one provider invocation.
type ModelCallEvent struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// Estimated is true when token counts were computed locally because the
	// provider reported none.
	Estimated bool
	Duration  time.Duration
	Err       error
}

// ToolCallEvent describes one tool request handled by the turn loop.
type ToolCallEvent struct {
	Tool     string
	Duration time.Duration
	// Blocked is true when the duplicate guard answered from cache and the
	// tool was not executed.
	Blocked bool
	Err     error
}

// Sink receives turn-loop events. Implementations must be safe for
// concurrent use: one sink is shared by every user's agent.
type Sink interface {
	ModelCall(ctx context.Context, ev ModelCallEvent)
	ToolCall(ctx context.Context, ev ToolCallEvent)
	CeilingReached(ctx context.Context, steps int)
}

// Nop discards all events.
type Nop struct{}

func (Nop) ModelCall(context.Context, ModelCallEvent) {}
func (Nop) ToolCall(context.Context, ToolCallEvent)   {}
func (Nop) CeilingReached(context.Context, int)       {}

// Multi fans events out to every sink in order.
type Multi []Sink

func (m Multi) ModelCall(ctx context.Context, ev ModelCallEvent) {
	for _, s := range m {
		s.ModelCall(ctx, ev)
	}
}

func (m Multi) ToolCall(ctx context.Context, ev ToolCallEvent) {
	for _, s := range m {
		s.ToolCall(ctx, ev)
	}
}

func (m Multi) CeilingReached(ctx context.Context, steps int) {
	for _, s := range m {
		s.CeilingReached(ctx, steps)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) ModelCall(ctx context.Context, ev ModelCallEvent) {
	log := WithTrace(ctx, s.Logger)
	attrs := []any{
		"provider", ev.Provider,
		"model", ev.Model,
		"prompt_tokens", ev.PromptTokens,
		"completion_tokens", ev.CompletionTokens,
		"estimated", ev.Estimated,
		"duration_ms", ev.Duration.Milliseconds(),
	}
	if ev.Err != nil {
		log.Warn("model call failed", append(attrs, "err", ev.Err)...)
		return
	}
	log.Debug("model call", attrs...)
}

func (s LogSink) ToolCall(ctx context.Context, ev ToolCallEvent) {
	log := WithTrace(ctx, s.Logger)
	switch {
	case ev.Blocked:
		log.Info("duplicate tool call blocked", "tool", ev.Tool)
	case ev.Err != nil:
		log.Warn("tool call failed", "tool", ev.Tool, "duration_ms", ev.Duration.Milliseconds(), "err", ev.Err)
	default:
		log.Debug("tool call", "tool", ev.Tool, "duration_ms", ev.Duration.Milliseconds())
	}
}

func (s LogSink) CeilingReached(ctx context.Context, steps int) {
	WithTrace(ctx, s.Logger).Warn("tool step ceiling reached", "steps", steps)
}

// Outcome reduces an error to a short label for metrics and turn logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
