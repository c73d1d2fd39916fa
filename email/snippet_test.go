package email

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestSnippet verifies bodies are reduced to one line of text.
func TestSnippet(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "plain text", body: "Short and sweet.", want: "Short and sweet."},
		{name: "whitespace collapsed", body: "  line one\n\n\tline   two  ", want: "line one line two"},
		{name: "html paragraphs", body: "<p>First</p><p>Second</p>", want: "First Second"},
		{name: "line breaks", body: "one<br>two<br/>three", want: "one two three"},
		{name: "script removed", body: "<p>Hi</p><script>alert(1)</script>", want: "Hi"},
		{name: "entities decoded", body: "<p>Fish &amp; chips</p>", want: "Fish & chips"},
		{name: "empty", body: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snippet(tt.body); got != tt.want {
				t.Errorf("snippet(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

// TestTruncate verifies length limits, word boundaries and multi-byte safety.
func TestTruncate(t *testing.T) {
	long := strings.Repeat("word ", 60)

	got := truncate(long, snippetLimit)
	if n := utf8.RuneCountInString(got); n > snippetLimit {
		t.Errorf("truncate() length = %d runes, want <= %d", n, snippetLimit)
	}
	if !strings.HasSuffix(got, "word…") {
		t.Errorf("truncate() = %q, want to end on a whole word and ellipsis", got)
	}

	exact := strings.Repeat("a", snippetLimit)
	if got := truncate(exact, snippetLimit); got != exact {
		t.Error("truncate() shortened a string at the limit")
	}

	// One unbroken run of multi-byte runes.
	emoji := strings.Repeat("🏔", 200)
	got = truncate(emoji, snippetLimit)
	if !utf8.ValidString(got) {
		t.Error("truncate() produced invalid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != snippetLimit {
		t.Errorf("truncate() length = %d runes, want %d", n, snippetLimit)
	}
}
