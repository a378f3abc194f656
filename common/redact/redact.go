// Package redact keeps secrets and conversation content out of log output.
//
// Two kinds of data must never reach a log line in full: credentials (model
// API keys, search API keys, the master key) and the text of a user's
// conversation. String and Map scrub known secrets; Preview reduces message
// text to a short, length-annotated snippet suitable for debug logs.
package redact

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
//
//	safe := redact.String(errText, apiKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values replaced by [REDACTED]
// for every key whose name suggests a secret. Used on tool arguments before
// they are logged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Preview returns at most max runes of s followed by the total rune count,
// e.g. `"What is the we…" (42 chars)`. Newlines are flattened.
func Preview(s string, max int) string {
	n := utf8.RuneCountInString(s)
	flat := strings.Join(strings.Fields(s), " ")
	if max <= 0 {
		return fmt.Sprintf("(%d chars)", n)
	}
	return fmt.Sprintf("%q (%d chars)", Truncate(flat, max), n)
}

// Truncate returns s cut to at most max runes, with "…" appended when
// anything was dropped. It never splits a multi-byte rune.
func Truncate(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i := 0
	for n := 0; n < max; n++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i] + "…"
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
