package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Hanashi/common/redact"
)

// SchemaVersion is written into every envelope.
const SchemaVersion = 1

// Config holds configuration for a Manager.
type Config struct {
	// FlushThreshold is the number of buffered messages that triggers an
	// automatic flush. Default: 3.
	FlushThreshold int

	// ChatCap and AICap are the retention caps per stream kind. When a flush
	// would exceed a cap, the oldest messages of that kind are dropped.
	// Defaults: 10 and 20.
	ChatCap int
	AICap   int

	// Markers are case-insensitive phrases that keep a message out of the
	// history. Default: DefaultMarkers.
	Markers []string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		FlushThreshold: 3,
		ChatCap:        10,
		AICap:          20,
		Markers:        DefaultMarkers,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.ChatCap <= 0 {
		c.ChatCap = d.ChatCap
	}
	if c.AICap <= 0 {
		c.AICap = d.AICap
	}
	if c.Markers == nil {
		c.Markers = d.Markers
	}
	return c
}

func (c Config) capFor(k Kind) int {
	switch k {
	case KindChat:
		return c.ChatCap
	case KindAI:
		return c.AICap
	}
	return 0
}

// envelope is the plaintext inside an encrypted blob.
type envelope struct {
	Messages []Message `json:"messages"`
	Metadata metadata  `json:"metadata"`
}

type metadata struct {
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	UserID        string    `json:"user_id"`
	SchemaVersion int       `json:"schema_version"`
}

// Recollection is the result of Recall.
type Recollection struct {
	Messages []Message    `json:"messages"`
	Counts   map[Kind]int `json:"counts"`
	// Total is the number of persisted messages before the limit was applied.
	Total int `json:"total"`
}

// Stats is a snapshot of a Manager's buffer.
type Stats struct {
	Pending   int
	LastFlush time.Time
}

// Manager owns one user's history. It is safe for concurrent use; a flush
// holds the lock from load to save so that no append can interleave.
type Manager struct {
	mu        sync.Mutex
	key       *UserKey
	store     BlobStore
	enc       Encryptor
	cfg       Config
	filter    Filter
	pending   []Message
	lastFlush time.Time
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager binds a Manager to userID. key must belong to the same user.
func NewManager(userID string, key *UserKey, store BlobStore, cfg Config, logger *slog.Logger) (*Manager, error) {
	if key == nil {
		return nil, fmt.Errorf("memory: nil key for user %s", userID)
	}
	if key.UserID() != userID {
		return nil, fmt.Errorf("memory: key for %s used for %s: %w", key.UserID(), userID, ErrCrossUser)
	}
	if store == nil {
		return nil, fmt.Errorf("memory: nil blob store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		key:    key,
		store:  store,
		cfg:    cfg,
		filter: NewFilter(cfg.Markers),
		logger: logger.With("user_id", userID),
		now:    time.Now,
	}, nil
}

// UserID returns the owner of this history.
func (m *Manager) UserID() string { return m.key.UserID() }

func (m *Manager) checkUser(userID string) error {
	if userID != m.key.UserID() {
		return ErrCrossUser
	}
	return nil
}

// Append buffers msg and flushes when the buffer reaches the threshold. It
// reports whether msg was accepted; filtered messages are dropped silently.
// A flush failure is returned as *PersistError with the buffer intact.
func (m *Manager) Append(ctx context.Context, userID string, msg Message) (bool, error) {
	if err := m.checkUser(userID); err != nil {
		return false, err
	}
	if err := msg.validate(); err != nil {
		return false, err
	}
	if !m.filter.Allows(msg.Content) {
		m.logger.Debug("memory: message filtered", "role", msg.Role, "kind", msg.Kind,
			"content", redact.Preview(msg.Content, 0))
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()

	for _, p := range m.pending {
		if p.key() == msg.key() {
			return false, nil
		}
	}
	m.pending = append(m.pending, msg)

	if len(m.pending) >= m.cfg.FlushThreshold {
		return true, m.flushLocked(ctx)
	}
	return true, nil
}

// Flush persists the buffer now. It is a no-op when nothing is pending.
func (m *Manager) Flush(ctx context.Context, userID string) error {
	if err := m.checkUser(userID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx)
}

func (m *Manager) flushLocked(ctx context.Context) error {
	if len(m.pending) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &PersistError{UserID: m.UserID(), Pending: len(m.pending), Err: err}
	}

	existing, err := m.load(ctx)
	if err != nil {
		return &PersistError{UserID: m.UserID(), Pending: len(m.pending), Err: err}
	}

	merged := make([]Message, 0, len(existing.Messages)+len(m.pending))
	merged = append(merged, existing.Messages...)
	merged = append(merged, m.pending...)
	merged = m.retain(dedupe(m.clean(merged)))

	now := m.now().UTC()
	env := envelope{
		Messages: merged,
		Metadata: metadata{
			CreatedAt:     existing.Metadata.CreatedAt,
			UpdatedAt:     now,
			UserID:        m.UserID(),
			SchemaVersion: SchemaVersion,
		},
	}
	if env.Metadata.CreatedAt.IsZero() {
		env.Metadata.CreatedAt = now
	}

	plain, err := json.Marshal(env)
	if err != nil {
		return &PersistError{UserID: m.UserID(), Pending: len(m.pending), Err: fmt.Errorf("encode: %w", err)}
	}
	blob, err := m.enc.Encrypt(m.key, plain)
	if err != nil {
		return &PersistError{UserID: m.UserID(), Pending: len(m.pending), Err: fmt.Errorf("encrypt: %w", err)}
	}
	if err := m.store.SaveBlob(ctx, m.UserID(), blob); err != nil {
		m.logger.Warn("memory: flush failed, keeping buffer", "pending", len(m.pending), "err", err)
		return &PersistError{UserID: m.UserID(), Pending: len(m.pending), Err: err}
	}

	m.logger.Debug("memory: flushed", "appended", len(m.pending), "persisted", len(merged))
	m.pending = nil
	m.lastFlush = now
	return nil
}

// load returns the persisted envelope. A missing, undecryptable or
// undecodable blob yields an empty envelope; only store failures are errors.
func (m *Manager) load(ctx context.Context) (envelope, error) {
	blob, ok, err := m.store.LoadBlob(ctx, m.UserID())
	if err != nil {
		return envelope{}, fmt.Errorf("load: %w", err)
	}
	if !ok {
		return envelope{}, nil
	}

	plain, err := m.enc.Decrypt(m.key, blob)
	if err != nil {
		m.logger.Warn("memory: unreadable history, starting empty", "err", err)
		return envelope{}, nil
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		m.logger.Warn("memory: corrupt history, starting empty", "err", err)
		return envelope{}, nil
	}
	if env.Metadata.UserID != "" && env.Metadata.UserID != m.UserID() {
		m.logger.Warn("memory: history owned by another user, starting empty")
		return envelope{}, nil
	}
	return env, nil
}

// clean drops messages that fail the filter or carry an unknown kind. Blobs
// written before a marker was added are cleaned on their next flush.
func (m *Manager) clean(msgs []Message) []Message {
	out := msgs[:0]
	for _, msg := range msgs {
		if msg.validate() != nil || !m.filter.Allows(msg.Content) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func dedupe(msgs []Message) []Message {
	seen := make(map[dedupeKey]struct{}, len(msgs))
	out := msgs[:0]
	for _, msg := range msgs {
		k := msg.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, msg)
	}
	return out
}

// retain keeps the most recent cap messages of each kind, preserving order.
func (m *Manager) retain(msgs []Message) []Message {
	counts := make(map[Kind]int)
	keep := make([]bool, len(msgs))
	n := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		k := msgs[i].Kind
		if counts[k] < m.cfg.capFor(k) {
			counts[k]++
			keep[i] = true
			n++
		}
	}
	out := make([]Message, 0, n)
	for i, msg := range msgs {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}

// Recall returns up to limit of the most recent persisted messages, oldest
// first, with per-kind counts of the returned messages. Buffered messages are
// not included. An unreadable blob yields an empty Recollection; limit <= 0
// means no limit.
func (m *Manager) Recall(ctx context.Context, userID string, limit int) (Recollection, error) {
	return m.recall(ctx, userID, limit, "")
}

// RecallKind is Recall restricted to one stream kind.
func (m *Manager) RecallKind(ctx context.Context, userID string, kind Kind, limit int) (Recollection, error) {
	return m.recall(ctx, userID, limit, kind)
}

func (m *Manager) recall(ctx context.Context, userID string, limit int, kind Kind) (Recollection, error) {
	if err := m.checkUser(userID); err != nil {
		return Recollection{}, err
	}
	m.mu.Lock()
	env, err := m.load(ctx)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("memory: recall failed to load history", "err", err)
		env = envelope{}
	}

	msgs := env.Messages
	if kind != "" {
		filtered := make([]Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.Kind == kind {
				filtered = append(filtered, msg)
			}
		}
		msgs = filtered
	}

	rec := Recollection{Counts: map[Kind]int{KindChat: 0, KindAI: 0}, Total: len(msgs)}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	rec.Messages = make([]Message, len(msgs))
	copy(rec.Messages, msgs)
	for _, msg := range rec.Messages {
		rec.Counts[msg.Kind]++
	}
	return rec, nil
}

// History returns up to limit of the most recent messages of kind, oldest
// first, including messages that are still buffered. It is the context window
// the agent replays to the model; Recall only sees what was persisted.
func (m *Manager) History(ctx context.Context, userID string, kind Kind, limit int) ([]Message, error) {
	if err := m.checkUser(userID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	env, err := m.load(ctx)
	pending := append([]Message(nil), m.pending...)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("memory: history failed to load", "err", err)
		env = envelope{}
	}

	all := dedupe(append(env.Messages, pending...))
	out := make([]Message, 0, len(all))
	for _, msg := range all {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Stats returns a snapshot of the buffer.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Pending: len(m.pending), LastFlush: m.lastFlush}
}
