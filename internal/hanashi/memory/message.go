// Package memory keeps each user's conversation history private, bounded and
// durable.
//
// A Manager is bound to exactly one user and one UserKey. New messages are
// buffered and periodically flushed: the persisted blob is decrypted, merged
// with the buffer, filtered, deduplicated, trimmed to per-kind retention caps,
// re-encrypted and written back. The buffer is cleared only after the write
// is confirmed.
package memory

import (
	"errors"
	"fmt"
	"time"
)

// Kind separates the two message streams kept per user.
type Kind string

const (
	// KindChat is general room chat observed by the agent.
	KindChat Kind = "chat"
	// KindAI is a direct exchange with the agent.
	KindAI Kind = "ai"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one immutable history entry.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Kind      Kind      `json:"kind"`
	Room      string    `json:"room,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// dedupeKey identifies retried writes of the same event. Timestamp is part of
// the key so that a user repeating the same text later is kept.
type dedupeKey struct {
	role    string
	content string
	ts      int64
}

func (m Message) key() dedupeKey {
	return dedupeKey{role: m.Role, content: m.Content, ts: m.Timestamp.UnixNano()}
}

func (m Message) validate() error {
	switch m.Kind {
	case KindChat, KindAI:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("unknown message role %q", m.Role)
	}
	return nil
}

// ErrCrossUser is returned when a Manager is asked to act for a user other
// than the one it was created for.
var ErrCrossUser = errors.New("memory: user does not own this history")

// DecryptionError reports a blob that could not be authenticated or decoded
// with the user's key.
type DecryptionError struct {
	UserID string
	Err    error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt history for user %s: %v", e.UserID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// PersistError reports a failed flush. The buffer is retained.
type PersistError struct {
	UserID  string
	Pending int
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist history for user %s (%d pending): %v", e.UserID, e.Pending, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
