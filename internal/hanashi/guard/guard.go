// Package guard blocks repeated tool calls within one turn-chain.
//
// Two calls are equivalent when their tool names match and their arguments
// have the same canonical JSON form: objects are re-encoded with sorted keys
// and no insignificant whitespace, and numbers keep their literal text.
// Arguments that are not valid JSON are compared by their trimmed raw text.
package guard

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
)

// BlockedPrefix starts every result returned for a blocked call. The memory
// filter keeps text carrying it out of stored history.
const BlockedPrefix = "[duplicate call blocked]"

// ToolCallRecord is a tool call that executed successfully in the current
// turn-chain.
type ToolCallRecord struct {
	Call          llm.ToolCall
	Result        string
	SequenceIndex int
}

// Decision is the outcome of Check.
type Decision struct {
	// Blocked is true when an equivalent call already executed; Record then
	// holds that earlier call.
	Blocked bool
	Record  *ToolCallRecord
	Key     string
}

// Guard remembers executed calls for one turn-chain. It is not safe for
// concurrent use; tool calls within a turn-chain run sequentially.
type Guard struct {
	byKey   map[string]*ToolCallRecord
	records []*ToolCallRecord
}

// New returns an empty Guard. Create one per turn-chain.
func New() *Guard {
	return &Guard{byKey: make(map[string]*ToolCallRecord)}
}

// Check reports whether call repeats an executed call.
func (g *Guard) Check(call llm.ToolCall) Decision {
	key := Key(call)
	if rec, ok := g.byKey[key]; ok {
		return Decision{Blocked: true, Record: rec, Key: key}
	}
	return Decision{Key: key}
}

// Record stores a successful execution of call and returns its record. A
// call that is already recorded keeps its original record.
func (g *Guard) Record(call llm.ToolCall, result string) ToolCallRecord {
	key := Key(call)
	if rec, ok := g.byKey[key]; ok {
		return *rec
	}
	rec := &ToolCallRecord{Call: call, Result: result, SequenceIndex: len(g.records)}
	g.byKey[key] = rec
	g.records = append(g.records, rec)
	return *rec
}

// Records returns the executed calls in execution order.
func (g *Guard) Records() []ToolCallRecord {
	out := make([]ToolCallRecord, len(g.records))
	for i, r := range g.records {
		out[i] = *r
	}
	return out
}

// Len returns the number of recorded calls.
func (g *Guard) Len() int { return len(g.records) }

// BlockedResult is the text fed back to the model in place of a repeated
// execution.
func BlockedResult(rec *ToolCallRecord) string {
	return BlockedPrefix + " You already called " + rec.Call.Function.Name +
		" with these arguments in this conversation turn. The earlier result is repeated below; do not request it again.\n\n" +
		rec.Result
}

// Key returns the canonical identity of call.
func Key(call llm.ToolCall) string {
	return call.Function.Name + "\x00" + Canonical(call.Function.Arguments)
}

// Canonical returns the canonical form of a JSON arguments string. Blank
// input and an empty object are equivalent. Numbers compare by value, the
// way tools receive them: 1, 1.0 and 1e0 are the same argument.
func Canonical(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return trimmed
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalizeNumbers(v)); err != nil {
		return trimmed
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// normalizeNumbers replaces every json.Number that fits a float64 with that
// float64. Out-of-range literals are kept as written.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeNumbers(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalizeNumbers(val)
		}
		return x
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return x
		}
		return f
	default:
		return v
	}
}
