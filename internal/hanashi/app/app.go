// Package app wires the Hanashi subsystems from a config.Config: storage
// backend, keyring, model provider, tool registry, observability sinks, the
// per-user agent pool and the operational HTTP listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Hanashi/common/crypto"
	"github.com/bdobrica/Hanashi/internal/hanashi/agent"
	"github.com/bdobrica/Hanashi/internal/hanashi/config"
	"github.com/bdobrica/Hanashi/internal/hanashi/keyring"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/memory"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
	"github.com/bdobrica/Hanashi/internal/hanashi/store"
	"github.com/bdobrica/Hanashi/internal/hanashi/store/badgerstore"
	"github.com/bdobrica/Hanashi/internal/hanashi/store/pgstore"
	"github.com/bdobrica/Hanashi/internal/hanashi/tools"
	"github.com/bdobrica/Hanashi/internal/hanashi/turn"
)

// backend holds encrypted history blobs and wrapped user keys.
type backend interface {
	memory.BlobStore
	keyring.WrappedKeyStore
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App is a running Hanashi instance.
type App struct {
	cfg       *config.Config
	db        *store.Store
	backend   backend
	closeBack func() error
	keyring   *keyring.Keyring
	metrics   *observability.Metrics
	pool      *agent.Pool
	ops       *http.Server
	startedAt time.Time
	logger    *slog.Logger
}

// Options override collaborators for tests and embedding.
type Options struct {
	// Provider replaces the provider built from cfg.LLM.
	Provider llm.Provider
	Logger   *slog.Logger
}

// New opens storage and builds every subsystem. It starts no goroutines
// other than the pool's idle sweeper; call Start for the ops listener.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	master, err := crypto.ParseMasterKey(cfg.Security.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{cfg: cfg, db: db, startedAt: time.Now(), logger: logger}

	if err := a.openBackend(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a.keyring, err = keyring.New(a.backend, master)
	if err != nil {
		a.closeStorage()
		return nil, fmt.Errorf("keyring: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = llm.New(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
			Model:    cfg.LLM.Model,
			Timeout:  cfg.LLM.Timeout,
		})
		if err != nil {
			a.closeStorage()
			return nil, fmt.Errorf("llm provider: %w", err)
		}
	}

	a.metrics = observability.NewMetrics(cfg.Ops.MetricsNamespace)
	sink := observability.Multi{
		observability.LogSink{Logger: logger},
		a.metrics,
		store.NewUsageSink(db, userIDFromContext, logger),
	}
	adapter := llm.NewAdapter(provider, llm.WithSink(sink), llm.WithMaxTokens(cfg.LLM.MaxTokens))

	agentCfg := agent.Config{
		Turn: turn.Config{
			Model:          cfg.LLM.Model,
			MaxSteps:       cfg.Agent.MaxSteps,
			SystemPrompt:   cfg.Agent.SystemPrompt,
			FallbackAnswer: cfg.Agent.FallbackAnswer,
		},
		HistoryWindow:      cfg.Agent.HistoryWindow,
		PersistToolResults: cfg.Agent.PersistToolResults,
		Memory: memory.Config{
			FlushThreshold: cfg.Memory.FlushThreshold,
			ChatCap:        cfg.Memory.ChatCap,
			AICap:          cfg.Memory.AICap,
			Markers:        markers(cfg.Memory.Markers),
		},
	}
	deps := agent.Deps{
		Model:   adapter,
		Tools:   a.buildTools(adapter),
		Skills:  db,
		Blobs:   a.backend,
		Sink:    sink,
		Turns:   db,
		Metrics: a.metrics,
		Logger:  logger,
	}
	a.pool = agent.NewPool(a.keyring, agentCfg, deps, agent.PoolOptions{IdleTimeout: cfg.Agent.IdleTimeout})

	logger.Info("hanashi initialized",
		"backend", cfg.Database.Backend,
		"provider", adapter.ProviderName(),
		"model", cfg.LLM.Model,
		"tools", deps.Tools.Names(),
	)
	return a, nil
}

func (a *App) openBackend(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case "", "sqlite":
		a.backend = a.db
		a.closeBack = func() error { return nil }
	case "badger":
		bs, err := badgerstore.Open(badgerstore.Options{Dir: a.cfg.Database.Dir, SyncWrites: true})
		if err != nil {
			return fmt.Errorf("open badger backend: %w", err)
		}
		a.backend, a.closeBack = bs, bs.Close
	case "postgres":
		ps, err := pgstore.New(ctx, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open postgres backend: %w", err)
		}
		a.backend, a.closeBack = ps, ps.Close
	default:
		return fmt.Errorf("unknown database backend %q", a.cfg.Database.Backend)
	}
	return nil
}

// buildTools registers the shared tools. recall_last_conversation and
// skill_evaluator are added per user by the agent.
func (a *App) buildTools(model tools.Completer) *tools.Registry {
	reg := tools.NewRegistry()
	if ws := a.cfg.Tools.WebSearch; ws.APIKey != "" {
		reg.Register(tools.NewWebSearch(tools.WebSearchConfig{
			Endpoint:   ws.Endpoint,
			APIKey:     ws.APIKey,
			MaxResults: ws.MaxResults,
		}))
	} else {
		a.logger.Info("web_search disabled: no API key configured")
	}
	reg.Register(tools.NewUserPreference(a.db))
	reg.Register(tools.NewLifeEvents(a.db))
	reg.Register(tools.NewClarifyCommunication(model, a.cfg.LLM.Model))
	reg.Register(tools.NewFormatOutput())
	return reg
}

func markers(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(append([]string(nil), memory.DefaultMarkers...), extra...)
}

func userIDFromContext(ctx context.Context) string {
	id, _ := tools.UserIDFromContext(ctx)
	return id
}

// Pool returns the per-user agent pool.
func (a *App) Pool() *agent.Pool { return a.pool }

// Keyring returns the user key provisioner.
func (a *App) Keyring() *keyring.Keyring { return a.keyring }

// Store returns the SQLite store.
func (a *App) Store() *store.Store { return a.db }

// Metrics returns the Prometheus sink.
func (a *App) Metrics() *observability.Metrics { return a.metrics }

// Start begins serving the ops endpoints when an address is configured.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.Ops.Listen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Ops.Listen)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	a.ops = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := a.ops.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("ops server stopped", "err", err)
		}
	}()
	a.logger.Info("ops server listening", "addr", ln.Addr().String())
	return nil
}

// Close flushes every agent and releases all resources.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops shutdown: %w", err))
		}
	}
	if err := a.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStorage() error {
	var errs []error
	if a.closeBack != nil {
		if err := a.closeBack(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// Ping checks the SQLite store and the blob backend.
func (a *App) Ping(ctx context.Context) error {
	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if p, ok := a.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}
	return nil
}
