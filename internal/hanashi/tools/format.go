package tools

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/bdobrica/Hanashi/common/redact"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
)

const (
	formatSearchItems  = 3
	formatSnippetRunes = 200
	formatHistoryItems = 5
	formatGenericRunes = 500
)

// FormatOutput is the format_output tool. It renders raw JSON from other
// tools or APIs as readable text and needs no state.
type FormatOutput struct{}

// NewFormatOutput returns the format_output tool.
func NewFormatOutput() *FormatOutput { return &FormatOutput{} }

func (t *FormatOutput) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        "format_output",
			Description: "Format raw data (JSON, API responses) into readable, conversational text. Use when another tool returned raw JSON that should be shown to the user.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"data":      map[string]any{"type": "string", "description": "The raw data to format."},
					"data_type": map[string]any{"type": "string", "enum": []any{"auto", "weather", "search", "conversation"}},
				},
				"required":             []any{"data"},
				"additionalProperties": false,
			},
		},
	}
}

func (t *FormatOutput) Execute(_ context.Context, args map[string]any) (string, error) {
	data := strings.TrimSpace(stringArg(args, "data"))
	kind := stringArg(args, "data_type")
	if kind == "" {
		kind = "auto"
	}
	return FormatData(data, kind), nil
}

// FormatData renders data as text. kind is one of auto, weather, search or
// conversation; auto picks by the shape of the JSON.
func FormatData(data, kind string) string {
	if !gjson.Valid(data) {
		return data
	}
	doc := gjson.Parse(data)
	if kind == "auto" {
		kind = detectKind(doc)
	}
	switch kind {
	case "weather":
		if doc.Get("location").IsObject() && doc.Get("current").IsObject() {
			return renderWeather(doc)
		}
	case "search":
		if doc.Get("results").Exists() {
			return renderSearch(doc)
		}
	case "conversation":
		return renderConversation(doc)
	}
	return renderGeneric(doc)
}

func detectKind(doc gjson.Result) string {
	switch {
	case !doc.IsObject():
		return "generic"
	case doc.Get("location").Exists() && doc.Get("current").Exists():
		return "weather"
	case doc.Get("results").Exists():
		return "search"
	case doc.Get("data").IsArray():
		return "conversation"
	}
	return "generic"
}

func renderWeather(doc gjson.Result) string {
	loc, cur := doc.Get("location"), doc.Get("current")
	var b strings.Builder

	city := loc.Get("name").String()
	if city == "" {
		city = "Unknown location"
	}
	fmt.Fprintf(&b, "🌤️ **Current Weather in %s", city)
	if c := loc.Get("country").String(); c != "" {
		fmt.Fprintf(&b, ", %s", c)
	}
	b.WriteString("**\n\n")

	cond := cur.Get("condition.text").String()
	if cond == "" {
		cond = "Unknown"
	}
	fmt.Fprintf(&b, "**Condition:** %s\n", cond)
	if tc := cur.Get("temp_c"); tc.Exists() {
		fmt.Fprintf(&b, "**Temperature:** %s°C (%s°F)\n", tc.Raw, cur.Get("temp_f").Raw)
		if fc := cur.Get("feelslike_c"); fc.Exists() && math.Abs(fc.Float()-tc.Float()) > 2 {
			fmt.Fprintf(&b, "**Feels like:** %s°C (%s°F)\n", fc.Raw, cur.Get("feelslike_f").Raw)
		}
	}
	if h := cur.Get("humidity"); h.Exists() {
		fmt.Fprintf(&b, "**Humidity:** %s%%\n", h.Raw)
	}
	if w := cur.Get("wind_kph"); w.Exists() {
		fmt.Fprintf(&b, "**Wind:** %s at %s km/h (%s mph)\n", cur.Get("wind_dir").String(), w.Raw, cur.Get("wind_mph").Raw)
	}
	if lt := loc.Get("localtime").String(); lt != "" {
		fmt.Fprintf(&b, "\n*Local time: %s*", lt)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderSearch(doc gjson.Result) string {
	results := doc.Get("results").Array()
	if len(results) == 0 {
		return "I couldn't find any relevant information."
	}
	var b strings.Builder
	b.WriteString("📚 **Search Results:**\n")
	for i, r := range results[:min(formatSearchItems, len(results))] {
		title := r.Get("title").String()
		if title == "" {
			title = "No title"
		}
		fmt.Fprintf(&b, "\n**%d. %s**\n", i+1, title)
		content := r.Get("content").String()
		if content == "" {
			content = r.Get("snippet").String()
		}
		if content != "" {
			fmt.Fprintf(&b, "%s\n", redact.Truncate(content, formatSnippetRunes))
		}
		if u := r.Get("url").String(); u != "" {
			fmt.Fprintf(&b, "*Source: %s*\n", u)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderConversation(doc gjson.Result) string {
	msgs := doc.Get("data").Array()
	if len(msgs) == 0 {
		return "No previous conversation found."
	}
	if len(msgs) > formatHistoryItems {
		msgs = msgs[len(msgs)-formatHistoryItems:]
	}
	var b strings.Builder
	b.WriteString("💬 **Previous Conversation:**\n")
	for _, m := range msgs {
		content := m.Get("content").String()
		switch role := m.Get("role").String(); role {
		case "user":
			fmt.Fprintf(&b, "\n**You:** %s", content)
		case "assistant":
			fmt.Fprintf(&b, "\n**AI:** %s", content)
		case "":
			fmt.Fprintf(&b, "\n**Unknown:** %s", content)
		default:
			fmt.Fprintf(&b, "\n**%s%s:** %s", strings.ToUpper(role[:1]), role[1:], content)
		}
	}
	return b.String()
}

func renderGeneric(doc gjson.Result) string {
	if !doc.IsObject() {
		return "Here's the information: " + redact.Truncate(doc.Raw, formatGenericRunes)
	}
	var lines []string
	doc.ForEach(func(k, v gjson.Result) bool {
		val := v.String()
		if v.IsObject() || v.IsArray() {
			val = v.Raw
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", k.String(), redact.Truncate(val, formatSnippetRunes)))
		return true
	})
	if len(lines) == 0 {
		return "No information to show."
	}
	return "Here's the information:\n" + strings.Join(lines, "\n")
}
