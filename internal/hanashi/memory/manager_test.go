package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func testKey(t *testing.T, userID string, seed byte) *UserKey {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i) + seed
	}
	k, err := NewUserKey(userID, raw)
	if err != nil {
		t.Fatalf("NewUserKey: %v", err)
	}
	return k
}

// clock returns a time source that advances one second per call.
func clock() func() time.Time {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func newTestManager(t *testing.T, userID string, store BlobStore, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(userID, testKey(t, userID, 1), store, cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.now = clock()
	return m
}

func aiMsg(role, content string) Message {
	return Message{Role: role, Content: content, Kind: KindAI}
}

type failingStore struct {
	*MemoryBlobStore
	fail bool
}

func (f *failingStore) SaveBlob(ctx context.Context, userID string, blob []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryBlobStore.SaveBlob(ctx, userID, blob)
}

func TestEncryptor_RoundTripAndWrongKey(t *testing.T) {
	var enc Encryptor
	alice := testKey(t, "alice", 1)
	plain := []byte(`{"messages":[]}`)

	blob, err := enc.Encrypt(alice, plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := enc.Decrypt(alice, blob)
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 1

	cases := []struct {
		name string
		key  *UserKey
		blob []byte
	}{
		{"other user's key", testKey(t, "bob", 2), blob},
		{"same bytes other user", testKey(t, "bob", 1), blob},
		{"tampered", alice, tampered},
		{"empty", alice, nil},
		{"unknown version", alice, append([]byte{9}, blob[1:]...)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := enc.Decrypt(tc.key, tc.blob)
			var derr *DecryptionError
			if !errors.As(err, &derr) {
				t.Fatalf("err = %v, want *DecryptionError", err)
			}
		})
	}
}

func TestUserKey_NeverPrintsKey(t *testing.T) {
	k := testKey(t, "alice", 0x41)
	s := fmt.Sprintf("%v %s %+v", k, k, k)
	if strings.Contains(s, "ABCD") || !strings.Contains(s, "REDACTED") {
		t.Fatalf("key leaked in formatting: %s", s)
	}
	if _, err := json.Marshal(k); err == nil {
		t.Fatal("expected MarshalJSON to refuse")
	}
	k.Destroy()
	if _, err := (Encryptor{}).Encrypt(k, []byte("x")); err == nil {
		t.Fatal("expected encrypt with destroyed key to fail")
	}
}

func TestNewManager_RejectsForeignKey(t *testing.T) {
	_, err := NewManager("alice", testKey(t, "bob", 1), NewMemoryBlobStore(), Config{}, nil)
	if !errors.Is(err, ErrCrossUser) {
		t.Fatalf("err = %v, want ErrCrossUser", err)
	}
}

func TestManager_CrossUserCalls(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{})
	ctx := context.Background()

	if _, err := m.Append(ctx, "bob", aiMsg(RoleUser, "hi")); !errors.Is(err, ErrCrossUser) {
		t.Errorf("Append err = %v", err)
	}
	if err := m.Flush(ctx, "bob"); !errors.Is(err, ErrCrossUser) {
		t.Errorf("Flush err = %v", err)
	}
	if _, err := m.Recall(ctx, "bob", 5); !errors.Is(err, ErrCrossUser) {
		t.Errorf("Recall err = %v", err)
	}
}

func TestManager_IsolatesUsersSharingAStore(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	alice := newTestManager(t, "alice", store, Config{FlushThreshold: 1})
	if _, err := alice.Append(ctx, "alice", aiMsg(RoleUser, "my secret")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	blob, _, _ := store.LoadBlob(ctx, "alice")
	if bytes.Contains(blob, []byte("my secret")) {
		t.Fatal("plaintext visible in stored blob")
	}

	// A blob copied into bob's row cannot be read by bob.
	_ = store.SaveBlob(ctx, "bob", blob)
	bob := newTestManager(t, "bob", store, Config{})
	rec, err := bob.Recall(ctx, "bob", 10)
	if err != nil || len(rec.Messages) != 0 {
		t.Fatalf("bob recalled %+v, %v", rec.Messages, err)
	}
}

func TestManager_AutoFlushAtThreshold(t *testing.T) {
	store := NewMemoryBlobStore()
	m := newTestManager(t, "alice", store, Config{FlushThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.Append(ctx, "alice", aiMsg(RoleUser, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, _ := store.LoadBlob(ctx, "alice"); ok {
		t.Fatal("flushed before threshold")
	}
	if got := m.Stats().Pending; got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	if _, err := m.Append(ctx, "alice", aiMsg(RoleAssistant, "m2")); err != nil {
		t.Fatal(err)
	}
	if m.Stats().Pending != 0 {
		t.Fatal("buffer not cleared after flush")
	}
	rec, _ := m.Recall(ctx, "alice", 0)
	if len(rec.Messages) != 3 || rec.Counts[KindAI] != 3 {
		t.Fatalf("recall = %+v", rec)
	}
}

func TestManager_Filtering(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{FlushThreshold: 10})
	ctx := context.Background()

	cases := []struct {
		content string
		want    bool
	}{
		{"[system] you are a helpful assistant", false},
		{"hello there", true},
		{"Here is the System Prompt: be nice", false},
		{"[duplicate call blocked] cached", false},
		{"the system is down", true},
	}
	for _, tc := range cases {
		ok, err := m.Append(ctx, "alice", aiMsg(RoleUser, tc.content))
		if err != nil {
			t.Fatal(err)
		}
		if ok != tc.want {
			t.Errorf("Append(%q) accepted = %v, want %v", tc.content, ok, tc.want)
		}
	}
	if err := m.Flush(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	rec, _ := m.Recall(ctx, "alice", 0)
	for _, msg := range rec.Messages {
		if strings.Contains(strings.ToLower(msg.Content), "system prompt") || strings.HasPrefix(msg.Content, "[") {
			t.Errorf("filtered content persisted: %q", msg.Content)
		}
	}
	if len(rec.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(rec.Messages))
	}
}

func TestManager_Deduplicates(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{FlushThreshold: 10})
	ctx := context.Background()
	ts := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

	same := Message{Role: RoleUser, Content: "hi", Kind: KindAI, Timestamp: ts}
	later := Message{Role: RoleUser, Content: "hi", Kind: KindAI, Timestamp: ts.Add(time.Minute)}

	for _, msg := range []Message{same, same, later} {
		if _, err := m.Append(ctx, "alice", msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Flush(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	// A retried write of an already persisted event is collapsed too.
	if _, err := m.Append(ctx, "alice", same); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	rec, _ := m.Recall(ctx, "alice", 0)
	if len(rec.Messages) != 2 {
		t.Fatalf("recall = %d messages, want 2 (same text at different times kept)", len(rec.Messages))
	}
}

func TestManager_RetentionCapPerKind(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{FlushThreshold: 100, ChatCap: 2, AICap: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = m.Append(ctx, "alice", Message{Role: RoleUser, Content: fmt.Sprintf("chat-%d", i), Kind: KindChat, Room: "lobby"})
		_, _ = m.Append(ctx, "alice", aiMsg(RoleUser, fmt.Sprintf("ai-%d", i)))
	}
	if err := m.Flush(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	rec, _ := m.Recall(ctx, "alice", 0)
	if rec.Counts[KindChat] != 2 || rec.Counts[KindAI] != 3 {
		t.Fatalf("counts = %v, want chat 2 ai 3", rec.Counts)
	}
	var got []string
	for _, msg := range rec.Messages {
		got = append(got, msg.Content)
	}
	want := "ai-2 chat-3 ai-3 chat-4 ai-4"
	if strings.Join(got, " ") != want {
		t.Fatalf("retained %v, want %s", got, want)
	}

	chat, _ := m.RecallKind(ctx, "alice", KindChat, 1)
	if len(chat.Messages) != 1 || chat.Messages[0].Content != "chat-4" || chat.Total != 2 {
		t.Fatalf("RecallKind = %+v", chat)
	}
}

// Fifteen messages over three flushes with a cap of ten leave the last ten.
func TestManager_RetentionAcrossFlushes(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{FlushThreshold: 5, AICap: 10})
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		if _, err := m.Append(ctx, "alice", aiMsg(RoleUser, fmt.Sprintf("msg-%02d", i))); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if m.Stats().Pending != 0 {
		t.Fatalf("pending = %d after 3 flushes", m.Stats().Pending)
	}

	rec, err := m.Recall(ctx, "alice", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Messages) != 10 {
		t.Fatalf("recall = %d messages, want 10", len(rec.Messages))
	}
	if rec.Messages[0].Content != "msg-06" || rec.Messages[9].Content != "msg-15" {
		t.Fatalf("retained %q..%q, want msg-06..msg-15", rec.Messages[0].Content, rec.Messages[9].Content)
	}
}

// A corrupt blob reads as empty history and is replaced on the next flush.
func TestManager_CorruptBlobRecovers(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()
	_ = store.SaveBlob(ctx, "alice", []byte("definitely not ciphertext"))

	m := newTestManager(t, "alice", store, Config{FlushThreshold: 1})
	rec, err := m.Recall(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("Recall on corrupt blob: %v", err)
	}
	if len(rec.Messages) != 0 {
		t.Fatalf("recall = %+v, want empty", rec.Messages)
	}

	if _, err := m.Append(ctx, "alice", aiMsg(RoleUser, "fresh start")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec, _ = m.Recall(ctx, "alice", 10)
	if len(rec.Messages) != 1 || rec.Messages[0].Content != "fresh start" {
		t.Fatalf("recall after recovery = %+v", rec.Messages)
	}

	blob, _, _ := store.LoadBlob(ctx, "alice")
	plain, err := (Encryptor{}).Decrypt(m.key, blob)
	if err != nil {
		t.Fatalf("new blob unreadable: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		t.Fatal(err)
	}
	if env.Metadata.UserID != "alice" || env.Metadata.SchemaVersion != SchemaVersion || env.Metadata.CreatedAt.IsZero() {
		t.Fatalf("metadata = %+v", env.Metadata)
	}
}

func TestManager_FailedPersistKeepsBuffer(t *testing.T) {
	store := &failingStore{MemoryBlobStore: NewMemoryBlobStore(), fail: true}
	m := newTestManager(t, "alice", store, Config{FlushThreshold: 2})
	ctx := context.Background()

	_, _ = m.Append(ctx, "alice", aiMsg(RoleUser, "one"))
	_, err := m.Append(ctx, "alice", aiMsg(RoleAssistant, "two"))
	var perr *PersistError
	if !errors.As(err, &perr) || perr.Pending != 2 {
		t.Fatalf("err = %v, want *PersistError with 2 pending", err)
	}
	if m.Stats().Pending != 2 {
		t.Fatalf("buffer lost on failed persist: %d", m.Stats().Pending)
	}

	store.fail = false
	if err := m.Flush(ctx, "alice"); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	rec, _ := m.Recall(ctx, "alice", 0)
	if len(rec.Messages) != 2 || m.Stats().Pending != 0 {
		t.Fatalf("after retry: recall %d, pending %d", len(rec.Messages), m.Stats().Pending)
	}
	if m.Stats().LastFlush.IsZero() {
		t.Error("LastFlush not recorded")
	}
}

func TestManager_RejectsInvalidMessages(t *testing.T) {
	m := newTestManager(t, "alice", NewMemoryBlobStore(), Config{})
	ctx := context.Background()
	if _, err := m.Append(ctx, "alice", Message{Role: RoleUser, Content: "x", Kind: "email"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := m.Append(ctx, "alice", Message{Role: "narrator", Content: "x", Kind: KindAI}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestManager_HistoryIncludesBuffer(t *testing.T) {
	store := NewMemoryBlobStore()
	m := newTestManager(t, "alice", store, Config{FlushThreshold: 3})
	ctx := context.Background()

	for _, content := range []string{"p1", "p2", "p3", "b1"} {
		if _, err := m.Append(ctx, "alice", aiMsg(RoleUser, content)); err != nil {
			t.Fatal(err)
		}
	}
	chatMsg := Message{Role: RoleUser, Content: "hello room", Kind: KindChat, Room: "!lobby"}
	if _, err := m.Append(ctx, "alice", chatMsg); err != nil {
		t.Fatal(err)
	}

	got, err := m.History(ctx, "alice", KindAI, 3)
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, msg := range got {
		contents = append(contents, msg.Content)
	}
	if strings.Join(contents, ",") != "p2,p3,b1" {
		t.Fatalf("history = %v, want p2,p3,b1", contents)
	}

	chat, err := m.History(ctx, "alice", KindChat, 0)
	if err != nil || len(chat) != 1 || chat[0].Room != "!lobby" {
		t.Fatalf("chat history = %+v, %v", chat, err)
	}

	if _, err := m.History(ctx, "bob", KindAI, 0); !errors.Is(err, ErrCrossUser) {
		t.Fatalf("cross-user history err = %v", err)
	}
}
