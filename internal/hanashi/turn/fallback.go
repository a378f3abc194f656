package turn

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/Hanashi/common/redact"
)

const (
	fallbackMaxItems = 5
	fallbackMaxRunes = 500
)

// isEmptyContent reports whether a model reply carries no usable text:
// blank, or only backticks and whitespace (an empty code fence).
func isEmptyContent(s string) bool {
	return strings.Trim(s, "` \t\r\n") == ""
}

// fallbackFromTool builds an answer from a tool result when the model gave
// none.
func fallbackFromTool(tool, result string) string {
	return fmt.Sprintf("Based on the %s results:\n\n%s", tool, formatToolResult(tool, result))
}

// formatToolResult renders a tool result for a human reader. JSON objects
// show up to five fields, preferring a "data" or "message" payload; arrays
// show up to five items; anything else is truncated text.
func formatToolResult(tool, result string) string {
	var v any
	if err := json.Unmarshal([]byte(result), &v); err != nil {
		return redact.Truncate(strings.TrimSpace(result), fallbackMaxRunes)
	}

	switch x := v.(type) {
	case map[string]any:
		if msg, ok := x["error"].(string); ok {
			return fmt.Sprintf("Error from %s: %s", tool, msg)
		}
		if data, ok := x["data"]; ok {
			return formatValue(tool, data)
		}
		if msg, ok := x["message"].(string); ok && len(x) <= 2 {
			return msg
		}
		return formatValue(tool, x)
	default:
		return formatValue(tool, x)
	}
}

func formatValue(tool string, v any) string {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > fallbackMaxItems {
			keys = keys[:fallbackMaxItems]
		}
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, compact(x[k])))
		}
		return fmt.Sprintf("Results from %s:\n%s", tool, strings.Join(lines, "\n"))
	case []any:
		if len(x) == 0 {
			return fmt.Sprintf("No results from %s", tool)
		}
		if len(x) > fallbackMaxItems {
			x = x[:fallbackMaxItems]
		}
		lines := make([]string, 0, len(x))
		for _, item := range x {
			lines = append(lines, compact(item))
		}
		return fmt.Sprintf("Results from %s:\n%s", tool, strings.Join(lines, "\n"))
	default:
		return compact(x)
	}
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return redact.Truncate(s, fallbackMaxRunes)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return redact.Truncate(string(b), fallbackMaxRunes)
}
