// Package environment reads configuration overrides from environment
// variables that share a common prefix (HANASHI_ by default).
//
// Lookups never exit the process: unparsable values keep the caller's
// current value, and Required reports a missing variable as an error.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env resolves names relative to Prefix, so Env{"HANASHI_"}.String("LLM_MODEL")
// reads HANASHI_LLM_MODEL.
type Env struct {
	Prefix string
	// Lookup defaults to os.LookupEnv. Tests may replace it.
	Lookup func(string) (string, bool)
}

// New returns an Env for prefix.
func New(prefix string) Env {
	return Env{Prefix: prefix}
}

// Name returns the full variable name for key.
func (e Env) Name(key string) string { return e.Prefix + key }

func (e Env) get(key string) (string, bool) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(e.Name(key))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// String overwrites *dst when the variable is set and non-empty.
func (e Env) String(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

// Required returns the value or an error naming the missing variable.
func (e Env) Required(key string) (string, error) {
	v, ok := e.get(key)
	if !ok {
		return "", fmt.Errorf("required environment variable %q is not set", e.Name(key))
	}
	return v, nil
}

// Bool overwrites *dst with a strconv.ParseBool value.
func (e Env) Bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Int overwrites *dst with a decimal integer value.
func (e Env) Int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

// Duration overwrites *dst with a time.ParseDuration value ("30s", "5m").
func (e Env) Duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// StringSlice overwrites *dst with a comma-separated list, trimming blanks.
// A value with no non-blank elements is ignored.
func (e Env) StringSlice(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
