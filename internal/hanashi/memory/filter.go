package memory

import "strings"

// DefaultMarkers are phrases that never belong in a user's history: system
// prompts, internal control text and guard notices.
var DefaultMarkers = []string{
	"[SYSTEM]",
	"[INTERNAL]",
	"SYSTEM PROMPT:",
	"[duplicate call blocked]",
	"<|im_start|>",
}

// Filter rejects messages containing any marker, case-insensitively.
type Filter struct {
	markers []string
}

// NewFilter builds a Filter. Blank markers are ignored.
func NewFilter(markers []string) Filter {
	f := Filter{markers: make([]string, 0, len(markers))}
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			f.markers = append(f.markers, m)
		}
	}
	return f
}

// Allows reports whether content may be stored.
func (f Filter) Allows(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range f.markers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}
