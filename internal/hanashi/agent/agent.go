// Package agent binds one user's memory, tools and turn controller into a
// conversational facade, and pools those facades for a multi-user transport.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hanashi/common/redact"
	"github.com/bdobrica/Hanashi/common/trace"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
	"github.com/bdobrica/Hanashi/internal/hanashi/tools"
	"github.com/bdobrica/Hanashi/internal/hanashi/turn"
)

// DefaultHistoryWindow is the number of prior direct messages replayed to the
// model on each turn.
const DefaultHistoryWindow = 20

// ErrRequestFailed is returned when a message could not be answered by the
// model. The accompanying Reply still carries a fallback answer.
var ErrRequestFailed = errors.New("agent: request failed")

// TurnLog records one row per handled message. *store.Store implements it.
type TurnLog interface {
	LogTurn(ctx context.Context, traceID, userID, roomID, message string) (int64, error)
	FinishTurn(ctx context.Context, id int64, toolsUsed []string, steps int, state string, duration time.Duration, errMsg string) error
}

// Config tunes an Agent.
type Config struct {
	Turn turn.Config
	// HistoryWindow is how many prior direct messages are replayed.
	// Default: DefaultHistoryWindow.
	HistoryWindow int
	// PersistToolResults stores tool outputs in the user's history so that
	// recall_last_conversation can return them.
	PersistToolResults bool
	Memory             memory.Config
}

// Deps are the collaborators shared by every user's agent.
type Deps struct {
	Model turn.Model
	// Tools is the shared base registry. Each agent clones it and adds its
	// user-bound tools.
	Tools *tools.Registry
	// Skills, when set, enables the per-user skill_evaluator tool.
	Skills  tools.SkillStore
	Blobs   memory.BlobStore
	Sink    observability.Sink
	Turns   TurnLog
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Reply is what the transport sends back to the user.
type Reply struct {
	Answer    string
	ToolsUsed []string
	Model     string
	Steps     int
	Fallback  bool
	TraceID   string
}

// Agent answers one user's messages. It is not safe for concurrent use; Pool
// serializes calls per user.
type Agent struct {
	userID     string
	memory     *memory.Manager
	controller *turn.Controller
	cfg        Config
	turns      TurnLog
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New builds the agent for userID. key must belong to userID.
func New(userID string, key *memory.UserKey, cfg Config, deps Deps) (*Agent, error) {
	if deps.Model == nil {
		return nil, errors.New("agent: nil model")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mgr, err := memory.NewManager(userID, key, deps.Blobs, cfg.Memory, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}

	reg := tools.NewRegistry()
	if deps.Tools != nil {
		reg = deps.Tools.Clone()
	}
	reg.Register(tools.NewRecallConversation(mgr))
	if deps.Skills != nil {
		reg.Register(tools.NewSkillEvaluator(mgr, deps.Skills))
	}

	sink := deps.Sink
	if sink == nil {
		sink = observability.Nop{}
	}
	logger = logger.With("user_id", userID)
	ctrl := turn.New(deps.Model, reg, cfg.Turn, turn.WithSink(sink), turn.WithLogger(logger))

	return &Agent{
		userID:     userID,
		memory:     mgr,
		controller: ctrl,
		cfg:        cfg,
		turns:      deps.Turns,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// UserID returns the user this agent serves.
func (a *Agent) UserID() string { return a.userID }

func (c Config) fallbackAnswer() string {
	if c.Turn.FallbackAnswer != "" {
		return c.Turn.FallbackAnswer
	}
	return turn.DefaultFallbackAnswer
}

// HandleMessage runs one turn-chain for text and records the exchange. The
// returned error is nil, ErrRequestFailed (wrapping the cause),
// memory.ErrCrossUser or a context error; the Reply always carries an answer.
func (a *Agent) HandleMessage(ctx context.Context, userID, text string) (Reply, error) {
	if userID != a.userID {
		return Reply{Answer: a.cfg.fallbackAnswer(), Fallback: true}, memory.ErrCrossUser
	}
	ctx, traceID := trace.Ensure(ctx)
	ctx = tools.WithUserID(ctx, userID)
	log := observability.WithTrace(ctx, a.logger)
	started := a.now()

	turnID := a.startTurn(ctx, traceID, "", text)
	log.Debug("agent: handling message", "text", redact.Preview(text, 0))

	history, err := a.history(ctx)
	if err != nil {
		log.Warn("agent: history unavailable, answering without it", "err", err)
	}

	res, runErr := a.controller.Run(ctx, history, text)
	reply := Reply{
		Answer:    res.Answer,
		ToolsUsed: res.ToolsUsed,
		Model:     res.Model,
		Steps:     res.Steps,
		Fallback:  res.Fallback,
		TraceID:   traceID,
	}

	a.remember(ctx, log, text, res, runErr == nil)

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	a.finishTurn(ctx, turnID, res, a.now().Sub(started), errMsg)
	if a.metrics != nil {
		a.metrics.ObserveTurn(runErr)
	}

	if runErr == nil {
		log.Info("agent: turn finished",
			"state", res.State, "steps", res.Steps, "tools", res.ToolsUsed, "fallback", res.Fallback)
		return reply, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(runErr, ctxErr) {
		log.Info("agent: turn cancelled", "steps", res.Steps)
		return reply, runErr
	}
	log.Error("agent: turn failed", "state", res.State, "err", runErr)
	return reply, fmt.Errorf("%w: %w", ErrRequestFailed, runErr)
}

// history converts the recent direct exchange into model messages. Tool
// messages are omitted: they cannot be replayed without the tool calls that
// produced them.
func (a *Agent) history(ctx context.Context) ([]llm.Message, error) {
	msgs, err := a.memory.History(ctx, a.userID, memory.KindAI, a.cfg.HistoryWindow)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case memory.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case memory.RoleAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out, nil
}

// remember appends the exchange to memory. A failed turn keeps only the user
// message so the fallback text never becomes context for later turns.
func (a *Agent) remember(ctx context.Context, log *slog.Logger, text string, res *turn.Result, answered bool) {
	ctx = context.WithoutCancel(ctx)
	batch := []memory.Message{{Role: memory.RoleUser, Content: text, Kind: memory.KindAI}}
	if answered {
		if a.cfg.PersistToolResults {
			for _, m := range res.Transcript {
				if m.Role == llm.RoleTool {
					batch = append(batch, memory.Message{
						Role:     memory.RoleTool,
						Content:  m.Content,
						Kind:     memory.KindAI,
						ToolName: m.Name,
					})
				}
			}
		}
		batch = append(batch, memory.Message{Role: memory.RoleAssistant, Content: res.Answer, Kind: memory.KindAI})
	}

	for _, msg := range batch {
		if _, err := a.memory.Append(ctx, a.userID, msg); err != nil {
			log.Warn("agent: could not record message", "role", msg.Role, "err", err)
			if a.metrics != nil {
				a.metrics.ObserveFlush(err)
			}
		}
	}
}

func (a *Agent) startTurn(ctx context.Context, traceID, roomID, text string) int64 {
	if a.turns == nil {
		return 0
	}
	id, err := a.turns.LogTurn(context.WithoutCancel(ctx), traceID, a.userID, roomID, redact.Preview(text, 0))
	if err != nil {
		a.logger.Warn("agent: turn log insert failed", "trace_id", traceID, "err", err)
		return 0
	}
	return id
}

func (a *Agent) finishTurn(ctx context.Context, id int64, res *turn.Result, d time.Duration, errMsg string) {
	if a.turns == nil || id == 0 {
		return
	}
	err := a.turns.FinishTurn(context.WithoutCancel(ctx), id, res.ToolsUsed, res.Steps, string(res.State), d, errMsg)
	if err != nil {
		a.logger.Warn("agent: turn log update failed", "turn_id", id, "err", err)
	}
}

// ObserveChat records a general-chat message seen in room. It reports whether
// the message was kept.
func (a *Agent) ObserveChat(ctx context.Context, userID, room, text string) (bool, error) {
	return a.memory.Append(ctx, userID, memory.Message{
		Role:    memory.RoleUser,
		Content: text,
		Kind:    memory.KindChat,
		Room:    room,
	})
}

// Flush persists buffered messages.
func (a *Agent) Flush(ctx context.Context) error {
	if a.Pending() == 0 {
		return nil
	}
	err := a.memory.Flush(ctx, a.userID)
	if a.metrics != nil {
		a.metrics.ObserveFlush(err)
	}
	return err
}

// Recall returns up to limit of the user's most recent persisted messages.
func (a *Agent) Recall(ctx context.Context, limit int) (memory.Recollection, error) {
	return a.memory.Recall(ctx, a.userID, limit)
}

// Pending returns the number of buffered messages.
func (a *Agent) Pending() int { return a.memory.Stats().Pending }
