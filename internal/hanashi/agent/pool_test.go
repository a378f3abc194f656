package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

var errUnknownUser = errors.New("no key for user")

type fakeKeys struct {
	mu    sync.Mutex
	known map[string]bool
	loads map[string]int
}

func newFakeKeys(users ...string) *fakeKeys {
	k := &fakeKeys{known: map[string]bool{}, loads: map[string]int{}}
	for _, u := range users {
		k.known[u] = true
	}
	return k
}

func (k *fakeKeys) UserKey(_ context.Context, userID string) (*memory.UserKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.known[userID] {
		return nil, errUnknownUser
	}
	k.loads[userID]++
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(len(userID) + i)
	}
	return memory.NewUserKey(userID, raw)
}

// serialModel fails the test if two calls overlap.
type serialModel struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (m *serialModel) Invoke(_ context.Context, _ string, msgs []llm.Message, _ []llm.ToolDefinition) (*llm.NormalizedResponse, error) {
	if m.inFlight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.inFlight.Add(-1)
	time.Sleep(2 * time.Millisecond)
	return &llm.NormalizedResponse{Content: "ok: " + msgs[len(msgs)-1].Content, Model: "test-model"}, nil
}

func newTestPool(keys memory.KeySource, model *serialModel, blobs memory.BlobStore, metrics *observability.Metrics, idle time.Duration) *Pool {
	deps := Deps{Model: model, Blobs: blobs, Metrics: metrics, Logger: quietLogger}
	return NewPool(keys, testConfig(), deps, PoolOptions{IdleTimeout: idle, SweepInterval: time.Hour})
}

func TestPool_LazyCreationAndReuse(t *testing.T) {
	keys := newFakeKeys("alice", "bob")
	metrics := observability.NewMetrics("test")
	p := newTestPool(keys, &serialModel{}, memory.NewMemoryBlobStore(), metrics, 0)
	defer p.Close(context.Background())
	ctx := context.Background()

	if p.Len() != 0 {
		t.Fatal("pool not empty at start")
	}
	for _, user := range []string{"alice", "alice", "bob"} {
		reply, err := p.HandleMessage(ctx, user, "hi")
		if err != nil || reply.Answer != "ok: hi" {
			t.Fatalf("HandleMessage(%s) = %+v, %v", user, reply, err)
		}
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
	if keys.loads["alice"] != 1 {
		t.Errorf("alice key loaded %d times", keys.loads["alice"])
	}
	if got := testutil.ToFloat64(metrics.ActiveAgents); got != 2 {
		t.Errorf("active agents gauge = %v", got)
	}
}

func TestPool_UnprovisionedUser(t *testing.T) {
	p := newTestPool(newFakeKeys(), &serialModel{}, memory.NewMemoryBlobStore(), nil, 0)
	defer p.Close(context.Background())

	reply, err := p.HandleMessage(context.Background(), "mallory", "hi")
	if !errors.Is(err, ErrRequestFailed) || !errors.Is(err, errUnknownUser) {
		t.Fatalf("err = %v", err)
	}
	if reply.Answer == "" || !reply.Fallback {
		t.Errorf("reply = %+v", reply)
	}
}

func TestPool_SerializesPerUser(t *testing.T) {
	model := &serialModel{}
	p := newTestPool(newFakeKeys("alice"), model, memory.NewMemoryBlobStore(), nil, 0)
	defer p.Close(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.HandleMessage(context.Background(), "alice", "hi"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if model.overlap.Load() {
		t.Fatal("requests for one user overlapped")
	}
}

func TestPool_EvictIdleFlushes(t *testing.T) {
	blobs := memory.NewMemoryBlobStore()
	keys := newFakeKeys("alice")
	p := newTestPool(keys, &serialModel{}, blobs, nil, time.Minute)
	defer p.Close(context.Background())
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if _, err := p.HandleMessage(ctx, "alice", "remember this"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := blobs.LoadBlob(ctx, "alice"); ok {
		t.Fatal("flushed before eviction")
	}

	if n := p.EvictIdle(ctx); n != 0 {
		t.Fatalf("evicted %d fresh agents", n)
	}
	now = now.Add(2 * time.Minute)
	if n := p.EvictIdle(ctx); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d after eviction", p.Len())
	}
	if _, ok, _ := blobs.LoadBlob(ctx, "alice"); !ok {
		t.Fatal("eviction did not flush")
	}

	rec, err := p.Recall(ctx, "alice", 0)
	if err != nil || len(rec.Messages) != 2 {
		t.Fatalf("recall after reload = %+v, %v", rec, err)
	}
	if keys.loads["alice"] != 2 {
		t.Errorf("key loads = %d, want reload after eviction", keys.loads["alice"])
	}
}

type brokenBlobs struct{ *memory.MemoryBlobStore }

func (brokenBlobs) SaveBlob(context.Context, string, []byte) error { return errors.New("disk full") }

func TestPool_EvictKeepsAgentWhenFlushFails(t *testing.T) {
	p := newTestPool(newFakeKeys("alice"), &serialModel{}, brokenBlobs{memory.NewMemoryBlobStore()}, nil, time.Minute)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if _, err := p.HandleMessage(ctx, "alice", "hi"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if n := p.EvictIdle(ctx); n != 0 {
		t.Fatalf("evicted %d despite failed flush", n)
	}
	if p.Len() != 1 {
		t.Fatal("agent dropped with unsaved messages")
	}

	var pe *memory.PersistError
	if err := p.Close(ctx); !errors.As(err, &pe) {
		t.Fatalf("Close err = %v, want PersistError", err)
	}
}

// gatedBlobs blocks saves for one user until release is closed.
type gatedBlobs struct {
	*memory.MemoryBlobStore
	user    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBlobs) SaveBlob(ctx context.Context, userID string, blob []byte) error {
	if userID == g.user {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.MemoryBlobStore.SaveBlob(ctx, userID, blob)
}

func TestPool_SlowEvictionDoesNotBlockOtherUsers(t *testing.T) {
	blobs := &gatedBlobs{
		MemoryBlobStore: memory.NewMemoryBlobStore(),
		user:            "alice",
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	p := newTestPool(newFakeKeys("alice", "bob"), &serialModel{}, blobs, nil, time.Minute)
	defer p.Close(context.Background())
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for _, user := range []string{"alice", "bob"} {
		if _, err := p.HandleMessage(ctx, user, "hi"); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(time.Hour)

	evicted := make(chan int, 1)
	go func() { evicted <- p.EvictIdle(ctx) }()

	select {
	case <-blobs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("eviction never flushed alice")
	}

	served := make(chan error, 1)
	go func() {
		_, err := p.HandleMessage(ctx, "bob", "still there?")
		served <- err
	}()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("bob: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(blobs.release)
		t.Fatal("bob was blocked by alice's eviction flush")
	}

	close(blobs.release)
	select {
	case <-evicted:
	case <-time.After(5 * time.Second):
		t.Fatal("eviction did not finish")
	}

	p.mu.Lock()
	_, aliceLoaded := p.entries["alice"]
	_, bobLoaded := p.entries["bob"]
	p.mu.Unlock()
	if aliceLoaded {
		t.Error("alice still loaded after a successful eviction flush")
	}
	if !bobLoaded {
		t.Error("bob dropped right after being served")
	}
	if _, ok, _ := blobs.LoadBlob(ctx, "alice"); !ok {
		t.Error("alice's buffer was not persisted")
	}
}

func TestPool_RequestDuringEvictionKeepsAgent(t *testing.T) {
	blobs := &gatedBlobs{
		MemoryBlobStore: memory.NewMemoryBlobStore(),
		user:            "alice",
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	keys := newFakeKeys("alice")
	p := newTestPool(keys, &serialModel{}, blobs, nil, time.Minute)
	defer p.Close(context.Background())
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	if _, err := p.HandleMessage(ctx, "alice", "hi"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)

	evicted := make(chan int, 1)
	go func() { evicted <- p.EvictIdle(ctx) }()
	<-blobs.entered

	served := make(chan error, 1)
	go func() {
		_, err := p.HandleMessage(ctx, "alice", "again")
		served <- err
	}()
	// The request pins the entry before the flush completes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		p.mu.Lock()
		refs := p.entries["alice"].refs
		p.mu.Unlock()
		if refs > 1 {
			break
		}
		if time.Now().After(deadline) {
			close(blobs.release)
			t.Fatal("request for alice never queued")
		}
		time.Sleep(time.Millisecond)
	}
	close(blobs.release)

	if n := <-evicted; n != 0 {
		t.Errorf("evicted %d agents while alice had a request queued", n)
	}
	if err := <-served; err != nil {
		t.Fatalf("alice: %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want alice kept", p.Len())
	}
	keys.mu.Lock()
	loads := keys.loads["alice"]
	keys.mu.Unlock()
	if loads != 1 {
		t.Errorf("key loads = %d, want the agent reused", loads)
	}
}

func TestPool_CloseFlushesAndRejects(t *testing.T) {
	blobs := memory.NewMemoryBlobStore()
	p := newTestPool(newFakeKeys("alice"), &serialModel{}, blobs, nil, time.Minute)
	ctx := context.Background()

	if kept, err := p.ObserveChat(ctx, "alice", "!room", "see you at 6"); err != nil || !kept {
		t.Fatalf("ObserveChat = %v, %v", kept, err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok, _ := blobs.LoadBlob(ctx, "alice"); !ok {
		t.Fatal("Close did not flush")
	}
	if err := p.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}

	_, err := p.HandleMessage(ctx, "alice", "hi")
	if !errors.Is(err, ErrPoolClosed) {
		t.Errorf("after Close err = %v", err)
	}
}
