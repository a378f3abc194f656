package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hanashi/common/trace"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

// UsageRecord is one model invocation's token usage.
type UsageRecord struct {
	ID               string
	RecordedAt       time.Time
	TraceID          string
	UserID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
	Duration         time.Duration
	Outcome          string
}

// UsageSummary holds aggregated token totals.
type UsageSummary struct {
	Calls            int
	PromptTokens     int64
	CompletionTokens int64
}

// RecordUsage appends rec. If rec.ID is empty a UUIDv7 is generated.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.Outcome == "" {
		rec.Outcome = "ok"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, recorded_at, trace_id, user_id, provider, model,
			 prompt_tokens, completion_tokens, estimated, duration_ms, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.RecordedAt),
		nullableString(rec.TraceID),
		nullableString(rec.UserID),
		rec.Provider,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.Estimated,
		rec.Duration.Milliseconds(),
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// UsageSince returns totals for records at or after start. A non-empty
// userID restricts the summary to that user.
func (s *Store) UsageSince(ctx context.Context, userID string, start time.Time) (UsageSummary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM usage_records WHERE recorded_at >= ?`
	args := []any{formatTime(start)}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	var sum UsageSummary
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&sum.Calls, &sum.PromptTokens, &sum.CompletionTokens); err != nil {
		return UsageSummary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// UserIDFunc extracts the acting user from a context.
type UserIDFunc func(ctx context.Context) string

// UsageSink records every model call as a usage row. Tool and ceiling events
// are ignored. Write failures are logged, never returned to the turn loop.
type UsageSink struct {
	store  *Store
	userID UserIDFunc
	logger *slog.Logger
}

// NewUsageSink returns a sink writing to s. userID may be nil.
func NewUsageSink(s *Store, userID UserIDFunc, logger *slog.Logger) *UsageSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageSink{store: s, userID: userID, logger: logger}
}

func (u *UsageSink) ModelCall(ctx context.Context, ev observability.ModelCallEvent) {
	rec := UsageRecord{
		TraceID:          trace.FromContext(ctx),
		Provider:         ev.Provider,
		Model:            ev.Model,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		Estimated:        ev.Estimated,
		Duration:         ev.Duration,
		Outcome:          observability.Outcome(ev.Err),
	}
	if u.userID != nil {
		rec.UserID = u.userID(ctx)
	}
	// The turn context may already be cancelled; the record is still wanted.
	if err := u.store.RecordUsage(context.WithoutCancel(ctx), rec); err != nil {
		u.logger.Warn("usage: record failed", "err", err)
	}
}

func (u *UsageSink) ToolCall(context.Context, observability.ToolCallEvent) {}

func (u *UsageSink) CeilingReached(context.Context, int) {}
