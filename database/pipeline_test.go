package database

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"trippy-notifier/digest"
	"trippy-notifier/email"
	"trippy-notifier/metrics"
	"trippy-notifier/token"
)

var tokenParam = regexp.MustCompile(`token=([A-Za-z0-9_.%-]+)`)

// TestDigestPipeline runs the dispatcher against a seeded sqlite database,
// the real composer and the mock transport.
func TestDigestPipeline(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	seed(t, s, now)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	codec, err := token.New([]byte("pipeline-secret"))
	if err != nil {
		t.Fatal(err)
	}
	mock := email.NewMockProvider(logger)

	d := digest.New(&digest.Config{
		Content:    s,
		Members:    s,
		Views:      s,
		Composer:   email.NewComposer(codec, "https://trippy.example", 24*time.Hour, digest.DefaultLookback),
		Transport:  mock,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Logger:     logger,
		Now:        func() time.Time { return now },
		Production: true,
	})

	ctx := context.Background()
	report, err := d.Run(ctx, digest.RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if report.PostsFound != 4 {
		t.Errorf("PostsFound = %d, want 4 (orphan counted, stale excluded)", report.PostsFound)
	}
	if report.TotalEmailsSent != 3 || report.TotalFailed != 0 || !report.OK {
		t.Errorf("report = %+v, want 3 sent", report)
	}
	if g1 := report.PerGroup["g1"]; g1 == nil || g1.Posts != 2 || g1.Recipients != 2 || g1.Sent != 2 {
		t.Errorf("g1 report = %+v", report.PerGroup["g1"])
	}

	byRecipient := map[string]email.SentMessage{}
	for _, msg := range mock.Sent() {
		byRecipient[msg.To] = msg
	}
	if len(byRecipient) != 3 {
		t.Fatalf("sent to %d recipients, want 3: %v", len(byRecipient), byRecipient)
	}
	for _, excluded := range []string{"cai@example.com", "fay@example.com"} {
		if _, ok := byRecipient[excluded]; ok {
			t.Errorf("digest sent to %s without consent", excluded)
		}
	}

	ana := byRecipient["ana@example.com"]
	if ana.Subject != "Patagonia: 2 new posts" {
		t.Errorf("ana subject = %q", ana.Subject)
	}
	ben := byRecipient["ben@example.com"]
	if ben.Subject != "Patagonia: 1 new post" || strings.Contains(ben.HTML, "Torres del Paine") {
		t.Errorf("ben digest includes an already seen post: %q", ben.Subject)
	}
	if !strings.Contains(ben.HTML, "El Chalt") {
		t.Error("ben digest missing the unseen post")
	}

	m := tokenParam.FindStringSubmatch(ana.HTML)
	if m == nil {
		t.Fatal("no token in digest links")
	}
	raw, err := url.QueryUnescape(m[1])
	if err != nil {
		t.Fatal(err)
	}
	payload, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if payload.SubjectID != "m1" || payload.ScopeID != "g1" {
		t.Errorf("token payload = %+v, want m1/g1", payload)
	}

	// Unsubscribing through the same store removes the member from the next run.
	if err := s.Unsubscribe(ctx, payload.SubjectID, now); err != nil {
		t.Fatal(err)
	}
	before := len(mock.Sent())
	if _, err := d.Run(ctx, digest.RunOptions{}); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	for _, msg := range mock.Sent()[before:] {
		if msg.To == "ana@example.com" {
			t.Error("digest sent after unsubscribe")
		}
	}
}
