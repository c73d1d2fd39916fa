package email

import (
	"errors"
	"html"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"trippy-notifier/pkg/notifier"
	"trippy-notifier/token"
)

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

func testComposer(t *testing.T) (*Composer, *token.Codec) {
	t.Helper()
	codec, err := token.New([]byte("test-secret"))
	if err != nil {
		t.Fatalf("token.New() error = %v", err)
	}
	return NewComposer(codec, "https://trippy.example/", token.DefaultTTL, 72*time.Hour), codec
}

func links(body string) []*url.URL {
	var out []*url.URL
	for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
		u, err := url.Parse(html.UnescapeString(m[1]))
		if err == nil {
			out = append(out, u)
		}
	}
	return out
}

// TestComposeSubject verifies singular and plural subject lines.
func TestComposeSubject(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "Patagonia 2027: 1 new post"},
		{2, "Patagonia 2027: 2 new posts"},
		{12, "Patagonia 2027: 12 new posts"},
	}

	for _, tt := range tests {
		if got := Subject("Patagonia 2027", tt.n); got != tt.want {
			t.Errorf("Subject(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

// TestComposeLinks verifies every link carries one token scoped to the recipient and group.
func TestComposeLinks(t *testing.T) {
	c, codec := testComposer(t)
	group := &notifier.Group{ID: "g-42", Name: "Patagonia", Slug: "patagonia"}
	recipient := &notifier.Recipient{ID: "m-7", Email: "ana@example.com", NotificationsEnabled: true}
	items := []*notifier.ContentItem{
		{ID: "p1", Title: "Day one", Body: "Landed in Punta Arenas."},
		{ID: "p2", Title: "Day two", Body: "Wind."},
	}

	msg, err := c.Compose(group, recipient, items)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if msg.To != "ana@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "Patagonia: 2 new posts" {
		t.Errorf("Subject = %q", msg.Subject)
	}

	var redirects []string
	tokens := make(map[string]bool)
	unsubscribe := 0
	for _, u := range links(msg.HTML) {
		if u.Host != "trippy.example" {
			t.Errorf("link host = %q, want trippy.example", u.Host)
		}
		tok := u.Query().Get("token")
		tokens[tok] = true

		payload, err := codec.Verify(tok)
		if err != nil {
			t.Fatalf("link %s carries invalid token: %v", u, err)
		}
		if payload.SubjectID != "m-7" || payload.ScopeID != "g-42" {
			t.Errorf("token payload = %+v, want m-7/g-42", payload)
		}

		switch u.Path {
		case "/api/email/link":
			redirects = append(redirects, u.Query().Get("redirect"))
		case "/unsubscribe":
			unsubscribe++
			if got := u.Query().Get("redirect"); got != "/g/patagonia" {
				t.Errorf("unsubscribe redirect = %q", got)
			}
		default:
			t.Errorf("unexpected link path %q", u.Path)
		}
	}

	if len(tokens) != 1 {
		t.Errorf("found %d distinct tokens, want 1", len(tokens))
	}
	if unsubscribe != 1 {
		t.Errorf("found %d unsubscribe links, want 1", unsubscribe)
	}
	for _, want := range []string{"/g/patagonia", "/g/patagonia/post/p1", "/g/patagonia/post/p2"} {
		found := false
		for _, r := range redirects {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("no link redirects to %s (have %v)", want, redirects)
		}
	}
}

// TestComposeEscapesContent verifies user content cannot inject markup.
func TestComposeEscapesContent(t *testing.T) {
	c, _ := testComposer(t)
	group := &notifier.Group{ID: "g1", Name: `<script>alert("g")</script>`, Slug: "g"}
	recipient := &notifier.Recipient{ID: "m1", Email: "m@example.com"}
	items := []*notifier.ContentItem{{
		ID:              "p1",
		Title:           `<img src=x onerror=alert(1)>`,
		AuthorName:      `Bob "the builder"`,
		Body:            `<p>Hello <b>there</b></p><script>steal()</script>`,
		PreviewImageURL: "javascript:alert(1)",
	}}

	msg, err := c.Compose(group, recipient, items)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	for _, bad := range []string{"<script>", "onerror=alert(1)>", "javascript:", "steal()"} {
		if strings.Contains(msg.HTML, bad) {
			t.Errorf("body contains %q", bad)
		}
	}
	if !strings.Contains(msg.HTML, "Hello there") {
		t.Error("body missing snippet text")
	}
	if !strings.Contains(msg.HTML, "by Bob &quot;the builder&quot;") {
		t.Error("body missing escaped author")
	}
}

// TestComposeDefaults verifies the fallback title and optional thumbnail.
func TestComposeDefaults(t *testing.T) {
	c, _ := testComposer(t)
	group := &notifier.Group{ID: "g1", Name: "Iceland", Slug: "iceland"}
	recipient := &notifier.Recipient{ID: "m1", Email: "m@example.com"}
	items := []*notifier.ContentItem{
		{ID: "p1", Title: "  "},
		{ID: "p2", Title: "Glacier", PreviewImageURL: "https://cdn.example/glacier.jpg"},
	}

	msg, err := c.Compose(group, recipient, items)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(msg.HTML, ">New post</a>") {
		t.Error("untitled post missing default title")
	}
	if !strings.Contains(msg.HTML, `src="https://cdn.example/glacier.jpg"`) {
		t.Error("preview image not rendered")
	}
	if !strings.Contains(msg.HTML, "2 new posts in the last 3 days.") {
		t.Error("subhead missing")
	}
	if strings.Contains(msg.HTML, "by </p>") {
		t.Error("empty author rendered")
	}
}

// TestComposeTokenFailure verifies a missing signing secret fails the message.
func TestComposeTokenFailure(t *testing.T) {
	var codec *token.Codec
	c := NewComposer(codec, "https://trippy.example", time.Hour, 72*time.Hour)

	_, err := c.Compose(&notifier.Group{ID: "g1"}, &notifier.Recipient{ID: "m1"}, []*notifier.ContentItem{{ID: "p1"}})
	if !errors.Is(err, token.ErrNoSecret) {
		t.Errorf("Compose() error = %v, want ErrNoSecret", err)
	}
}

// TestComposeRejectsEmptyDigest verifies an empty post list is an error.
func TestComposeRejectsEmptyDigest(t *testing.T) {
	c, _ := testComposer(t)
	if _, err := c.Compose(&notifier.Group{ID: "g1"}, &notifier.Recipient{ID: "m1"}, nil); err == nil {
		t.Error("Compose() with no posts succeeded")
	}
}
