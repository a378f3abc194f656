package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// cl100k_base matches the GPT-3.5/4 family; for other models it is an
// approximation, which is all an estimate claims to be.
func loadEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("token estimation will use character heuristic", "err", err)
			return
		}
		encoder = enc
	})
	return encoder
}

// CountTokens estimates the token count of s.
func CountTokens(s string) int {
	if s == "" {
		return 0
	}
	if enc := loadEncoder(); enc != nil {
		return len(enc.Encode(s, nil, nil))
	}
	return heuristicTokens(s)
}

// heuristicTokens assumes ~4 characters per token for ASCII and one token per
// non-ASCII rune.
func heuristicTokens(s string) int {
	ascii, other := 0, 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			other++
		}
	}
	n := (ascii+3)/4 + other
	if n == 0 {
		n = 1
	}
	return n
}

// countTokens is swapped for heuristicTokens in tests so they never load the
// BPE ranks over the network.
var countTokens = CountTokens

// estimateUsage fills a TokenUsage from the request and response text.
// Each message carries a small fixed overhead for role framing.
func estimateUsage(req CompletionRequest, out Message) TokenUsage {
	const perMessage = 4
	prompt := 0
	for _, m := range req.Messages {
		prompt += perMessage + countTokens(m.Content)
		for _, tc := range m.ToolCalls {
			prompt += countTokens(tc.Function.Name) + countTokens(tc.Function.Arguments)
		}
	}
	completion := countTokens(out.Content)
	for _, tc := range out.ToolCalls {
		completion += countTokens(tc.Function.Name) + countTokens(tc.Function.Arguments)
	}
	return TokenUsage{PromptTokens: prompt, CompletionTokens: completion, Estimated: true}
}
