package turn

import (
	"strings"
	"testing"
)

func TestIsEmptyContent(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{" ", true},
		{"\n", true},
		{"`", true},
		{"```", true},
		{"\n```", true},
		{"``` \n ```", true},
		{"ok", false},
		{"`code`", false},
	}
	for _, tt := range tests {
		if got := isEmptyContent(tt.in); got != tt.want {
			t.Errorf("isEmptyContent(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatToolResult(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   []string
	}{
		{"plain text", "Kyoto is sunny", []string{"Kyoto is sunny"}},
		{"error object", `{"error":"boom"}`, []string{"Error from web_search: boom"}},
		{"data array", `{"status":"success","data":[{"a":1},{"b":2}]}`, []string{"Results from web_search:", `{"a":1}`, `{"b":2}`}},
		{"empty array", `[]`, []string{"No results from web_search"}},
		{"message only", `{"status":"success","message":"Preference set successfully"}`, []string{"Preference set successfully"}},
		{"object fields", `{"x":"1","y":"2"}`, []string{"- x: 1", "- y: 2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatToolResult("web_search", tt.result)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("formatToolResult = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestFormatToolResultLimits(t *testing.T) {
	got := formatToolResult("t", `[1,2,3,4,5,6,7]`)
	if strings.Contains(got, "6") {
		t.Errorf("more than five items rendered: %q", got)
	}
	long := strings.Repeat("a", 600)
	if n := len([]rune(formatToolResult("t", long))); n > 501 {
		t.Errorf("text not truncated: %d runes", n)
	}
}
