// Package config handles Hanashi configuration loading.
//
// Configuration is read from a YAML file (environment references such as
// ${OPENAI_API_KEY} are expanded first), laid over Default(), then
// overridden by HANASHI_* environment variables and validated.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hanashi/common/environment"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HANASHI_"

// DefaultSystemPrompt frames the assistant when no prompt is configured.
const DefaultSystemPrompt = `You are Hanashi, a friendly conversational assistant and social coach.
Keep answers clear and kind. You can search the web, remember the user's
preferences and significant life events, and recall earlier conversations
with this user. Use a tool only when it helps answer the current message,
and never call the same tool twice with the same arguments.`

// Config holds all Hanashi configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Memory   MemoryConfig   `yaml:"memory"`
	Tools    ToolsConfig    `yaml:"tools"`
	Ops      OpsConfig      `yaml:"ops"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DatabaseConfig selects where blobs and keys live. Preferences, life
// events, usage records and the turn log always use the SQLite file at
// Path.
type DatabaseConfig struct {
	Backend string `yaml:"backend"` // sqlite, badger or postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Dir     string `yaml:"dir"`
}

// SecurityConfig holds the master key that protects per-user keys.
type SecurityConfig struct {
	MasterKey string `yaml:"master_key"` // 64 hex characters
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// AgentConfig tunes the per-user agent.
type AgentConfig struct {
	MaxSteps           int           `yaml:"max_steps"`
	HistoryWindow      int           `yaml:"history_window"`
	SystemPrompt       string        `yaml:"system_prompt"`
	FallbackAnswer     string        `yaml:"fallback_answer"`
	PersistToolResults bool          `yaml:"persist_tool_results"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
}

// MemoryConfig tunes history buffering and retention.
type MemoryConfig struct {
	FlushThreshold int      `yaml:"flush_threshold"`
	ChatCap        int      `yaml:"chat_cap"`
	AICap          int      `yaml:"ai_cap"`
	Markers        []string `yaml:"markers"`
}

// ToolsConfig configures built-in tools.
type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"web_search"`
}

// WebSearchConfig configures the web_search tool. The tool is registered
// only when APIKey is set.
type WebSearchConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

// OpsConfig configures the operational HTTP listener.
type OpsConfig struct {
	Listen           string `yaml:"listen"` // empty disables the listener
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Backend: "sqlite", Path: "hanashi.db"},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  120 * time.Second,
		},
		Agent: AgentConfig{
			MaxSteps:      10,
			HistoryWindow: 20,
			SystemPrompt:  DefaultSystemPrompt,
			IdleTimeout:   30 * time.Minute,
		},
		Memory: MemoryConfig{
			FlushThreshold: 3,
			ChatCap:        10,
			AICap:          20,
		},
		Tools: ToolsConfig{WebSearch: WebSearchConfig{MaxResults: 3}},
		Ops:   OpsConfig{MetricsNamespace: "hanashi"},
	}
}

// DefaultSearchPaths returns the config file search order:
// ./hanashi.yaml, ~/.config/hanashi/config.yaml, /etc/hanashi/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hanashi.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hanashi", "config.yaml"))
	}
	return append(paths, "/etc/hanashi/config.yaml")
}

// ErrNoConfigFile is returned by FindConfig when no candidate exists.
var ErrNoConfigFile = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing path from DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfigFile, DefaultSearchPaths())
}

// Load reads path over Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads the configuration the binary runs with: the file found by
// FindConfig(explicit) (or the defaults when none exists and none was
// requested), then environment overrides, then validation.
func Resolve(explicit string, env environment.Env) (*Config, string, error) {
	cfg := Default()
	path, err := FindConfig(explicit)
	switch {
	case err == nil:
		if cfg, err = Load(path); err != nil {
			return nil, path, err
		}
	case explicit == "" && errors.Is(err, ErrNoConfigFile):
		path = ""
	default:
		return nil, "", err
	}

	cfg.ApplyEnv(env)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(env environment.Env) {
	env.String("LOG_LEVEL", &c.Log.Level)
	env.String("LOG_FORMAT", &c.Log.Format)

	env.String("DB_BACKEND", &c.Database.Backend)
	env.String("DB_PATH", &c.Database.Path)
	env.String("DB_DSN", &c.Database.DSN)
	env.String("DB_DIR", &c.Database.Dir)

	env.String("MASTER_KEY", &c.Security.MasterKey)

	env.String("LLM_PROVIDER", &c.LLM.Provider)
	env.String("LLM_API_KEY", &c.LLM.APIKey)
	env.String("LLM_BASE_URL", &c.LLM.BaseURL)
	env.String("LLM_MODEL", &c.LLM.Model)
	env.Int("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	env.Duration("LLM_TIMEOUT", &c.LLM.Timeout)

	env.Int("AGENT_MAX_STEPS", &c.Agent.MaxSteps)
	env.Int("AGENT_HISTORY_WINDOW", &c.Agent.HistoryWindow)
	env.String("AGENT_SYSTEM_PROMPT", &c.Agent.SystemPrompt)
	env.String("AGENT_FALLBACK_ANSWER", &c.Agent.FallbackAnswer)
	env.Bool("AGENT_PERSIST_TOOL_RESULTS", &c.Agent.PersistToolResults)
	env.Duration("AGENT_IDLE_TIMEOUT", &c.Agent.IdleTimeout)

	env.Int("MEMORY_FLUSH_THRESHOLD", &c.Memory.FlushThreshold)
	env.Int("MEMORY_CHAT_CAP", &c.Memory.ChatCap)
	env.Int("MEMORY_AI_CAP", &c.Memory.AICap)
	env.StringSlice("MEMORY_MARKERS", &c.Memory.Markers)

	env.String("WEB_SEARCH_ENDPOINT", &c.Tools.WebSearch.Endpoint)
	env.String("WEB_SEARCH_API_KEY", &c.Tools.WebSearch.APIKey)
	env.Int("WEB_SEARCH_MAX_RESULTS", &c.Tools.WebSearch.MaxResults)

	env.String("OPS_LISTEN", &c.Ops.Listen)
	env.String("METRICS_NAMESPACE", &c.Ops.MetricsNamespace)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		bad("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Database.Backend {
	case "sqlite":
	case "badger":
		if c.Database.Dir == "" {
			bad("database.dir is required for the badger backend")
		}
	case "postgres":
		if c.Database.DSN == "" {
			bad("database.dsn is required for the postgres backend")
		}
	default:
		bad("database.backend must be sqlite, badger or postgres, got %q", c.Database.Backend)
	}
	if c.Database.Path == "" {
		bad("database.path is required")
	}

	if c.Security.MasterKey == "" {
		bad("security.master_key is required (set %sMASTER_KEY; generate with: openssl rand -hex 32)", EnvPrefix)
	} else if b, err := hex.DecodeString(strings.TrimSpace(c.Security.MasterKey)); err != nil || len(b) != 32 {
		bad("security.master_key must be 64 hex characters")
	}

	if c.LLM.Provider == "" {
		bad("llm.provider is required")
	}
	if c.LLM.MaxTokens < 0 {
		bad("llm.max_tokens must not be negative")
	}
	if c.Agent.MaxSteps < 1 {
		bad("agent.max_steps must be at least 1")
	}
	if c.Agent.HistoryWindow < 0 {
		bad("agent.history_window must not be negative")
	}
	if c.Memory.FlushThreshold < 1 {
		bad("memory.flush_threshold must be at least 1")
	}
	if c.Memory.ChatCap < 1 || c.Memory.AICap < 1 {
		bad("memory.chat_cap and memory.ai_cap must be at least 1")
	}
	return errors.Join(errs...)
}
