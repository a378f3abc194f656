package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hanashi/common/environment"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func fakeEnv(vars map[string]string) environment.Env {
	return environment.Env{
		Prefix: EnvPrefix,
		Lookup: func(name string) (string, bool) {
			v, ok := vars[name]
			return v, ok
		},
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Setenv("TEST_HANASHI_OPENAI_KEY", "sk-from-env")
	path := writeFile(t, `
llm:
  provider: openai
  api_key: ${TEST_HANASHI_OPENAI_KEY}
  model: gpt-4o
  timeout: 45s
agent:
  max_steps: 4
memory:
  markers: ["[secret]"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gpt-4o" || cfg.LLM.Timeout != 45*time.Second {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Agent.MaxSteps != 4 {
		t.Errorf("max_steps = %d", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.HistoryWindow != 20 || cfg.Memory.FlushThreshold != 3 {
		t.Errorf("defaults lost: %+v %+v", cfg.Agent, cfg.Memory)
	}
	if len(cfg.Memory.Markers) != 1 || cfg.Memory.Markers[0] != "[secret]" {
		t.Errorf("markers = %v", cfg.Memory.Markers)
	}
}

func TestLoad_Malformed(t *testing.T) {
	path := writeFile(t, "llm: [not, a, map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeFile(t, "log:\n  level: debug\n")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Fatalf("FindConfig = %q, %v", got, err)
	}
	if _, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(fakeEnv(map[string]string{
		"HANASHI_DB_BACKEND":                 "badger",
		"HANASHI_DB_DIR":                     "/var/lib/hanashi",
		"HANASHI_MASTER_KEY":                 testMasterKey,
		"HANASHI_LLM_MAX_TOKENS":             "512",
		"HANASHI_LLM_TIMEOUT":                "10s",
		"HANASHI_AGENT_MAX_STEPS":            "6",
		"HANASHI_AGENT_PERSIST_TOOL_RESULTS": "true",
		"HANASHI_MEMORY_MARKERS":             "a, b ,,c",
		"HANASHI_WEB_SEARCH_API_KEY":         "tvly-1",
		"HANASHI_AGENT_HISTORY_WINDOW":       "not-a-number",
	}))

	if cfg.Database.Backend != "badger" || cfg.Database.Dir != "/var/lib/hanashi" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.LLM.MaxTokens != 512 || cfg.LLM.Timeout != 10*time.Second {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Agent.MaxSteps != 6 || !cfg.Agent.PersistToolResults {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Agent.HistoryWindow != 20 {
		t.Errorf("unparsable override changed history window to %d", cfg.Agent.HistoryWindow)
	}
	if strings.Join(cfg.Memory.Markers, "|") != "a|b|c" {
		t.Errorf("markers = %v", cfg.Memory.Markers)
	}
	if cfg.Tools.WebSearch.APIKey != "tvly-1" {
		t.Errorf("web search key = %q", cfg.Tools.WebSearch.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing master key", func(c *Config) { c.Security.MasterKey = "" }, "master_key is required"},
		{"short master key", func(c *Config) { c.Security.MasterKey = "abcd" }, "64 hex characters"},
		{"non-hex master key", func(c *Config) { c.Security.MasterKey = strings.Repeat("zz", 32) }, "64 hex characters"},
		{"unknown backend", func(c *Config) { c.Database.Backend = "mongo" }, "database.backend"},
		{"badger without dir", func(c *Config) { c.Database.Backend = "badger" }, "database.dir"},
		{"postgres without dsn", func(c *Config) { c.Database.Backend = "postgres" }, "database.dsn"},
		{"zero max steps", func(c *Config) { c.Agent.MaxSteps = 0 }, "max_steps"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero flush threshold", func(c *Config) { c.Memory.FlushThreshold = 0 }, "flush_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Security.MasterKey = testMasterKey
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	path := writeFile(t, "llm:\n  provider: echo\n")
	cfg, got, err := Resolve(path, fakeEnv(map[string]string{"HANASHI_MASTER_KEY": testMasterKey}))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != path || cfg.LLM.Provider != "echo" {
		t.Errorf("path = %q provider = %q", got, cfg.LLM.Provider)
	}

	if _, _, err := Resolve(path, fakeEnv(nil)); err == nil {
		t.Error("expected validation error without a master key")
	}
	if _, _, err := Resolve(filepath.Join(t.TempDir(), "nope.yaml"), fakeEnv(nil)); err == nil {
		t.Error("expected error for missing explicit file")
	}
}
