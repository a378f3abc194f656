package llm

import (
	"fmt"
	"strings"
	"time"
)

// Config selects and configures a provider.
type Config struct {
	// Provider is one of: openai, gemini, compatible, lm_studio, ollama, echo.
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds the Provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		return NewOpenAI(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case "gemini", "google":
		return NewGemini(GeminiConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL}), nil
	case "compatible":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q requires a base URL", cfg.Provider)
		}
		return NewCompatible(CompatibleConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case "lm_studio", "lmstudio":
		return NewCompatible(CompatibleConfig{Name: "lm_studio", APIKey: cfg.APIKey, BaseURL: orDefault(cfg.BaseURL, LMStudioBaseURL), Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case "ollama":
		return NewCompatible(CompatibleConfig{Name: "ollama", APIKey: cfg.APIKey, BaseURL: orDefault(cfg.BaseURL, OllamaBaseURL), Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case "echo":
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
