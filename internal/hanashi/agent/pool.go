package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
)

// ErrPoolClosed is returned by a Pool after Close.
var ErrPoolClosed = errors.New("agent: pool closed")

// PoolOptions configures a Pool.
type PoolOptions struct {
	// IdleTimeout evicts agents unused for this long, flushing them first.
	// Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often idle agents are looked for.
	// Default: IdleTimeout/2, at most one minute.
	SweepInterval time.Duration
}

type poolEntry struct {
	mu       sync.Mutex // serializes this user's requests
	agent    *Agent
	key      *memory.UserKey
	refs     int
	lastUsed time.Time
}

// Pool owns one Agent per user. Agents are created on first use with the
// user's key from keys, requests for the same user run one at a time and idle
// agents are flushed and dropped.
type Pool struct {
	keys   memory.KeySource
	cfg    Config
	deps   Deps
	opts   PoolOptions
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry
	loaded  int
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewPool returns a Pool and, when opts.IdleTimeout is set, starts its
// eviction loop. Call Close to stop it.
func NewPool(keys memory.KeySource, cfg Config, deps Deps, opts PoolOptions) *Pool {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		keys:    keys,
		cfg:     cfg,
		deps:    deps,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*poolEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = min(opts.IdleTimeout/2, time.Minute)
		}
		go p.sweepLoop(interval)
	} else {
		close(p.done)
	}
	return p
}

func (p *Pool) sweepLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n := p.EvictIdle(context.Background()); n > 0 {
				p.logger.Debug("agent pool: evicted idle agents", "count", n)
			}
		}
	}
}

func (p *Pool) acquire(userID string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[userID]
	if !ok {
		e = &poolEntry{}
		p.entries[userID] = e
	}
	e.refs++
	return e, nil
}

func (p *Pool) release(e *poolEntry) {
	p.mu.Lock()
	e.refs--
	e.lastUsed = p.now()
	p.mu.Unlock()
}

// with runs fn with the user's agent while holding the user's lock.
func (p *Pool) with(ctx context.Context, userID string, fn func(*Agent) error) error {
	e, err := p.acquire(userID)
	if err != nil {
		return err
	}
	defer p.release(e)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		key, err := p.keys.UserKey(ctx, userID)
		if err != nil {
			return fmt.Errorf("load key for %s: %w", userID, err)
		}
		a, err := New(userID, key, p.cfg, p.deps)
		if err != nil {
			key.Destroy()
			return err
		}
		e.agent, e.key = a, key
		p.mu.Lock()
		p.loaded++
		p.setActiveLocked()
		p.mu.Unlock()
		p.logger.Debug("agent pool: agent created", "user_id", userID)
	}
	return fn(e.agent)
}

func (p *Pool) setActiveLocked() {
	if p.deps.Metrics != nil {
		p.deps.Metrics.ActiveAgents.Set(float64(p.loaded))
	}
}

// HandleMessage answers text for userID. Errors are those of
// Agent.HandleMessage; a failure to set up the user's agent is reported as
// ErrRequestFailed. The Reply always carries an answer.
func (p *Pool) HandleMessage(ctx context.Context, userID, text string) (Reply, error) {
	var reply Reply
	var handleErr error
	err := p.with(ctx, userID, func(a *Agent) error {
		reply, handleErr = a.HandleMessage(ctx, userID, text)
		return nil
	})
	if err != nil {
		p.logger.Error("agent pool: cannot serve user", "user_id", userID, "err", err)
		return Reply{Answer: p.cfg.fallbackAnswer(), Fallback: true}, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	return reply, handleErr
}

// ObserveChat records a general-chat message for userID.
func (p *Pool) ObserveChat(ctx context.Context, userID, room, text string) (bool, error) {
	var kept bool
	err := p.with(ctx, userID, func(a *Agent) error {
		var err error
		kept, err = a.ObserveChat(ctx, userID, room, text)
		return err
	})
	return kept, err
}

// Recall returns the user's recent persisted history.
func (p *Pool) Recall(ctx context.Context, userID string, limit int) (memory.Recollection, error) {
	var rec memory.Recollection
	err := p.with(ctx, userID, func(a *Agent) error {
		var err error
		rec, err = a.Recall(ctx, limit)
		return err
	})
	return rec, err
}

// Flush persists the buffer of userID's agent if it is loaded.
func (p *Pool) Flush(ctx context.Context, userID string) error {
	p.mu.Lock()
	e, ok := p.entries[userID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.agent == nil {
		return nil
	}
	return e.agent.Flush(ctx)
}

// Len returns the number of loaded agents.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// EvictIdle flushes and drops agents idle for longer than IdleTimeout. An
// agent whose flush fails is kept so its buffer is not lost. It returns the
// number of agents dropped.
func (p *Pool) EvictIdle(ctx context.Context) int {
	if p.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var idle []string
	for userID, e := range p.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			idle = append(idle, userID)
		}
	}
	p.mu.Unlock()

	evicted := 0
	for _, userID := range idle {
		if p.evict(ctx, userID, cutoff) {
			evicted++
		}
	}
	return evicted
}

func (p *Pool) evict(ctx context.Context, userID string, cutoff time.Time) bool {
	p.mu.Lock()
	e, ok := p.entries[userID]
	if !ok || e.refs > 0 || !e.lastUsed.Before(cutoff) || !e.mu.TryLock() {
		p.mu.Unlock()
		return false
	}
	// Pinned and locked: requests for this user queue on e.mu while the
	// flush runs outside p.mu, and other users are not held up.
	e.refs++
	p.mu.Unlock()
	defer e.mu.Unlock()

	var flushErr error
	if e.agent != nil {
		flushErr = e.agent.Flush(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if flushErr != nil {
		p.logger.Warn("agent pool: flush before eviction failed, keeping agent", "user_id", userID, "err", flushErr)
		return false
	}
	if p.closed || p.entries[userID] != e || e.refs > 0 {
		// Close owns the entry now, or a request arrived during the flush.
		return false
	}
	if e.agent != nil {
		e.key.Destroy()
		e.agent, e.key = nil, nil
		p.loaded--
		p.setActiveLocked()
	}
	delete(p.entries, userID)
	return true
}

// Close stops eviction and flushes every agent. It returns the joined flush
// errors.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.loaded = 0
	p.setActiveLocked()
	p.mu.Unlock()

	if p.opts.IdleTimeout > 0 {
		close(p.stop)
	}
	<-p.done

	var errs []error
	for userID, e := range entries {
		e.mu.Lock()
		if e.agent != nil {
			if err := e.agent.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush %s: %w", userID, err))
			}
			e.key.Destroy()
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}
