// Package tools holds the callable capabilities offered to the model and the
// registry that resolves and executes them.
//
// A Registry is populated at startup and treated as read-only afterwards;
// per-user tools are added to a Clone. Arguments supplied by the model are
// validated against each tool's JSON Schema before the tool runs. The user a
// tool acts for is taken from the context (see WithUserID), never from
// model-supplied arguments.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Hanashi/common/redact"
	"github.com/bdobrica/Hanashi/internal/hanashi/llm"
	"github.com/bdobrica/Hanashi/internal/hanashi/observability"
)

// Tool is one capability the model may call.
type Tool interface {
	// Definition returns the name, description and JSON Schema parameters
	// sent to the model.
	Definition() llm.ToolDefinition

	// Execute runs the tool with decoded, schema-valid arguments and returns
	// the result text fed back to the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// UnknownToolError is returned when the model names a tool that is not
// registered.
type UnknownToolError struct {
	Name      string
	Available []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("Tool '%s' not found. Available tools: [%s]", e.Name, strings.Join(e.Available, ", "))
}

// ToolExecutionError wraps invalid arguments or a failure inside a tool.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("Error calling tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

type entry struct {
	tool   Tool
	def    llm.ToolDefinition
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. Register must not be called
// concurrently with lookups.
type Registry struct {
	tools map[string]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds t. It panics on a duplicate name or an invalid parameter
// schema; both are programming errors in the registration sequence.
func (r *Registry) Register(t Tool) {
	def := t.Definition()
	name := def.Function.Name
	if name == "" {
		panic("tools: tool registered without a name")
	}
	if _, dup := r.tools[name]; dup {
		panic("tools: duplicate tool registration: " + name)
	}
	schema, err := compileSchema(name, def.Function.Parameters)
	if err != nil {
		panic(fmt.Sprintf("tools: invalid parameter schema for %s: %v", name, err))
	}
	if def.Type == "" {
		def.Type = "function"
	}
	r.tools[name] = entry{tool: t, def: def, schema: schema}
}

// Clone returns a registry with the same tools. Registering into the clone
// does not affect r.
func (r *Registry) Clone() *Registry {
	c := &Registry{tools: make(map[string]entry, len(r.tools))}
	for k, v := range r.tools {
		c.tools[k] = v
	}
	return c
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (Tool, error) {
	e, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name, Available: r.Names()}
	}
	return e.tool, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing definitions sorted by name so that
// requests are stable across calls.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, n := range r.Names() {
		defs = append(defs, r.tools[n].def)
	}
	return defs
}

// Execute resolves call, validates its arguments and runs the tool. It
// returns *UnknownToolError or *ToolExecutionError on failure.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	name := call.Function.Name
	e, ok := r.tools[name]
	if !ok {
		return "", &UnknownToolError{Name: name, Available: r.Names()}
	}

	args, err := decodeArguments(call.Function.Arguments)
	if err != nil {
		return "", &ToolExecutionError{Tool: name, Err: err}
	}
	if e.schema != nil {
		if err := e.schema.Validate(args); err != nil {
			return "", &ToolExecutionError{Tool: name, Err: fmt.Errorf("invalid arguments: %w", err)}
		}
	}

	plain := toPlain(args).(map[string]any)
	observability.WithTrace(ctx, nil).Log(ctx, observability.LevelTrace, "tools: executing",
		"tool", name, "args", redact.Map(plain))

	out, err := e.tool.Execute(ctx, plain)
	if err != nil {
		return "", &ToolExecutionError{Tool: name, Err: err}
	}
	return out, nil
}

// decodeArguments keeps numbers as json.Number so schema validation sees the
// exact literal the model produced.
func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// toPlain converts json.Number values to float64 so tools can use ordinary
// type switches.
func toPlain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = toPlain(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = toPlain(val)
		}
		return x
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	default:
		return v
	}
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := "tool://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Result renders a structured tool result as JSON text. Strings pass
// through unchanged.
func Result(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// ErrorResult renders err as the JSON error object fed back to the model.
func ErrorResult(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}
