// Package turn runs the bounded model/tool loop for one user message.
//
// A Controller drives a single turn-chain through the states
// AwaitingModel → ExecutingTools → … → FinalAnswer. Every tool call counts
// as one step; when the step count reaches MaxSteps before the model
// produces a final answer the chain stops in CeilingReached with a
// deterministic fallback answer. Repeated tool calls are answered from a
// per-chain guard.Guard instead of being executed again.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bdobrica/Hanashi/common/retry"
	"github.com/bdobrica/Hanashi/internal/hanashi/guard"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
	"github.com/bdobrica/Hanashi/internal/hanashi/tools"
)

// DefaultMaxSteps bounds the number of tool calls in one turn-chain.
const DefaultMaxSteps = 10

// DefaultFallbackAnswer is returned when the model fails or produces nothing
// usable and no tool result is available to summarize.
const DefaultFallbackAnswer = "I encountered an error while processing your request. Please try again or rephrase your question."

// DefaultCeilingAnswer is returned when the step ceiling is reached before
// any tool produced a result.
const DefaultCeilingAnswer = "I wasn't able to finish this request within the allowed number of steps. Please try a more specific question."

// ErrCeilingReached marks a Result that stopped at the step ceiling. Run
// never returns it; it is available through Result.Err for callers that
// want to classify outcomes.
var ErrCeilingReached = errors.New("turn: tool step ceiling reached")

// State is a controller state.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateFinalAnswer    State = "final_answer"
	StateCeilingReached State = "ceiling_reached"
	StateProviderFailed State = "provider_failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether s ends a turn-chain.
func (s State) Terminal() bool {
	switch s {
	case StateFinalAnswer, StateCeilingReached, StateProviderFailed, StateCancelled:
		return true
	}
	return false
}

// Model is the provider adapter as seen by the controller.
type Model interface {
	Invoke(ctx context.Context, modelRef string, messages []llm.Message, tools []llm.ToolDefinition) (*llm.NormalizedResponse, error)
}

// ToolExecutor resolves and runs tool calls. *tools.Registry implements it.
type ToolExecutor interface {
	Definitions() []llm.ToolDefinition
	Execute(ctx context.Context, call llm.ToolCall) (string, error)
}

// Config holds configuration for a Controller.
type Config struct {
	// Model is passed to the adapter as the model reference; empty selects
	// the provider's configured model.
	Model string

	// MaxSteps is the tool-call ceiling per turn-chain. Default: 10.
	MaxSteps int

	// SystemPrompt, when set, is the first message of every turn-chain.
	SystemPrompt string

	// FallbackAnswer replaces DefaultFallbackAnswer.
	FallbackAnswer string

	// CeilingAnswer replaces DefaultCeilingAnswer.
	CeilingAnswer string

	// Retry is the policy for model calls. Default: retry.Once.
	Retry *retry.Config
}

// Result is the outcome of one turn-chain.
type Result struct {
	Answer string
	// ToolsUsed lists distinct tool names in first-use order, including
	// calls answered by the duplicate guard.
	ToolsUsed []string
	Steps     int
	State     State
	// Fallback is true when Answer was produced by the controller rather
	// than the model.
	Fallback   bool
	Model      string
	Usage      llm.TokenUsage
	Transcript []llm.Message
	// Err is ErrCeilingReached, the provider error or the context error
	// that ended the chain, or nil for a final answer.
	Err error
}

// Controller runs turn-chains. It holds no per-chain state and may be reused
// sequentially or concurrently.
type Controller struct {
	model  Model
	tools  ToolExecutor
	cfg    Config
	sink   observability.Sink
	logger *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink reports tool calls and ceiling hits to s.
func WithSink(s observability.Sink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns a Controller.
func New(model Model, executor ToolExecutor, cfg Config, opts ...Option) *Controller {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.FallbackAnswer == "" {
		cfg.FallbackAnswer = DefaultFallbackAnswer
	}
	if cfg.CeilingAnswer == "" {
		cfg.CeilingAnswer = DefaultCeilingAnswer
	}
	if cfg.Retry == nil {
		r := retry.Once
		cfg.Retry = &r
	}
	c := &Controller{
		model:  model,
		tools:  executor,
		cfg:    cfg,
		sink:   observability.Nop{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// chain is the mutable state of one Run.
type chain struct {
	state     State
	messages  []llm.Message
	steps     int
	guard     *guard.Guard
	toolsUsed []string
	seen      map[string]bool
	usage     llm.TokenUsage
	model     string
	lastTool  string
	lastOut   string
}

func (ch *chain) useTool(name string) {
	if !ch.seen[name] {
		ch.seen[name] = true
		ch.toolsUsed = append(ch.toolsUsed, name)
	}
}

// Run answers userText given the prior history. The returned Result always
// carries a usable Answer. The error is non-nil only when the provider
// failed after its retry (a *llm.ProviderError) or ctx ended.
func (c *Controller) Run(ctx context.Context, history []llm.Message, userText string) (*Result, error) {
	log := observability.WithTrace(ctx, c.logger)

	ch := &chain{
		state: StateAwaitingModel,
		guard: guard.New(),
		seen:  make(map[string]bool),
		model: llm.UnknownModel,
	}
	ch.messages = make([]llm.Message, 0, len(history)+2)
	if c.cfg.SystemPrompt != "" {
		ch.messages = append(ch.messages, llm.Message{Role: llm.RoleSystem, Content: c.cfg.SystemPrompt})
	}
	ch.messages = append(ch.messages, history...)
	ch.messages = append(ch.messages, llm.Message{Role: llm.RoleUser, Content: userText})

	defs := c.tools.Definitions()

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(ch, StateCancelled, c.cfg.FallbackAnswer, true, err), err
		}

		ch.state = StateAwaitingModel
		resp, err := c.invoke(ctx, log, ch.messages, defs)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.finish(ch, StateCancelled, c.cfg.FallbackAnswer, true, ctxErr), ctxErr
			}
			log.Error("turn: model call failed after retry", "steps", ch.steps, "err", err)
			return c.finish(ch, StateProviderFailed, c.fallback(ch), true, err), err
		}
		ch.usage = ch.usage.Add(resp.Usage)
		ch.model = resp.Model
		ch.messages = append(ch.messages, resp.AssistantMessage())

		if !resp.HasToolCalls() {
			if isEmptyContent(resp.Content) {
				log.Warn("turn: model returned empty content", "steps", ch.steps, "last_tool", ch.lastTool)
				return c.finish(ch, StateFinalAnswer, c.fallback(ch), true, nil), nil
			}
			return c.finish(ch, StateFinalAnswer, resp.Content, false, nil), nil
		}

		ch.state = StateExecutingTools
		for _, call := range resp.ToolCalls {
			if ch.steps >= c.cfg.MaxSteps {
				log.Warn("turn: step ceiling reached", "steps", ch.steps, "max_steps", c.cfg.MaxSteps)
				c.sink.CeilingReached(ctx, ch.steps)
				answer := c.cfg.CeilingAnswer
				if ch.lastOut != "" {
					answer = fallbackFromTool(ch.lastTool, ch.lastOut)
				}
				return c.finish(ch, StateCeilingReached, answer, true, ErrCeilingReached), nil
			}
			if err := ctx.Err(); err != nil {
				return c.finish(ch, StateCancelled, c.cfg.FallbackAnswer, true, err), err
			}
			c.runTool(ctx, log, ch, call)
		}
	}
}

func (c *Controller) invoke(ctx context.Context, log *slog.Logger, msgs []llm.Message, defs []llm.ToolDefinition) (*llm.NormalizedResponse, error) {
	policy := *c.cfg.Retry
	policy.ShouldRetry = func(err error) bool {
		var pe *llm.ProviderError
		return errors.As(err, &pe)
	}
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("turn: model call failed, retrying", "attempt", attempt, "err", err)
	}

	var resp *llm.NormalizedResponse
	err := retry.Do(ctx, policy, func() error {
		var err error
		resp, err = c.model.Invoke(ctx, c.cfg.Model, msgs, defs)
		return err
	})
	return resp, err
}

// runTool executes or substitutes one call and appends the tool message.
func (c *Controller) runTool(ctx context.Context, log *slog.Logger, ch *chain, call llm.ToolCall) {
	name := call.Function.Name
	ch.steps++

	ev := observability.ToolCallEvent{Tool: name}
	var content string
	if d := ch.guard.Check(call); d.Blocked {
		ev.Blocked = true
		content = guard.BlockedResult(d.Record)
		ch.useTool(name)
		log.Info("turn: duplicate tool call blocked", "tool", name, "first_seq", d.Record.SequenceIndex)
	} else {
		start := time.Now()
		out, err := c.tools.Execute(ctx, call)
		ev.Duration = time.Since(start)
		ev.Err = err

		var unknown *tools.UnknownToolError
		switch {
		case errors.As(err, &unknown):
			content = tools.ErrorResult(err)
			log.Warn("turn: model requested unknown tool", "tool", name)
		case err != nil:
			ch.useTool(name)
			content = tools.ErrorResult(err)
			log.Warn("turn: tool failed", "tool", name, "err", err)
		default:
			ch.useTool(name)
			ch.guard.Record(call, out)
			ch.lastTool, ch.lastOut = name, out
			content = out
			log.Debug("turn: tool executed", "tool", name, "duration_ms", ev.Duration.Milliseconds())
		}
	}
	c.sink.ToolCall(ctx, ev)

	ch.messages = append(ch.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       name,
	})
}

// fallback summarizes the last successful tool result, or returns the
// generic fallback when no tool ran.
func (c *Controller) fallback(ch *chain) string {
	if ch.lastOut != "" {
		return fallbackFromTool(ch.lastTool, ch.lastOut)
	}
	return c.cfg.FallbackAnswer
}

func (c *Controller) finish(ch *chain, state State, answer string, fallback bool, err error) *Result {
	ch.state = state
	return &Result{
		Answer:     answer,
		ToolsUsed:  ch.toolsUsed,
		Steps:      ch.steps,
		State:      state,
		Fallback:   fallback,
		Model:      ch.model,
		Usage:      ch.usage,
		Transcript: ch.messages,
		Err:        err,
	}
}
