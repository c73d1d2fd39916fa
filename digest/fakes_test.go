package digest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"trippy-notifier/pkg/notifier"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeContent struct {
	err   error
	since time.Time
	items []*notifier.ContentItem
	calls int
}

func (f *fakeContent) RecentItems(_ context.Context, since time.Time) ([]*notifier.ContentItem, error) {
	f.calls++
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type fakeMembers struct {
	byGroup map[string][]*notifier.Recipient
	err     error
	calls   int
}

func (f *fakeMembers) EligibleRecipients(_ context.Context, groupID string) ([]*notifier.Recipient, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.byGroup[groupID], nil
}

// fakeViews answers bulk view queries from an in-memory log.
type fakeViews struct {
	err     error
	records []notifier.ViewRecord
	calls   int
}

func (f *fakeViews) Views(_ context.Context, recipientIDs, itemIDs []string) ([]notifier.ViewRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	recipients := make(map[string]bool, len(recipientIDs))
	for _, id := range recipientIDs {
		recipients[id] = true
	}
	items := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		items[id] = true
	}

	var out []notifier.ViewRecord
	for _, v := range f.records {
		if recipients[v.RecipientID] && items[v.ContentItemID] {
			out = append(out, v)
		}
	}
	return out, nil
}

// fakeComposer records what it was asked to compose.
type fakeComposer struct {
	fail     map[string]bool
	composed map[string][]string // recipient ID -> item IDs
}

func (f *fakeComposer) Compose(group *notifier.Group, recipient *notifier.Recipient, items []*notifier.ContentItem) (*notifier.Message, error) {
	if f.fail[recipient.ID] {
		return nil, errors.New("token mint failed")
	}
	if f.composed == nil {
		f.composed = make(map[string][]string)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	f.composed[recipient.ID] = ids
	return &notifier.Message{
		To:      recipient.Email,
		Subject: fmt.Sprintf("%s: %d new posts", group.Name, len(items)),
		HTML:    "<p>digest</p>",
	}, nil
}

type fakeTransport struct {
	failTo map[string]bool
	onSend func(to string)
	sent   []string
	mu     sync.Mutex
}

func (f *fakeTransport) Send(_ context.Context, to, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(to)
	}
	if f.failTo[to] {
		return fmt.Errorf("send to %s: provider returned 503", to)
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeLocker struct {
	err      error
	acquired int
	released int
}

func (f *fakeLocker) Acquire(_ context.Context, _ string, _ time.Duration) (func(context.Context) error, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	return func(context.Context) error {
		f.released++
		return nil
	}, nil
}

type fakeArchive struct {
	reports []*notifier.RunReport
}

func (f *fakeArchive) SaveReport(_ context.Context, report *notifier.RunReport) error {
	f.reports = append(f.reports, report)
	return nil
}

func member(id, email string) *notifier.Recipient {
	return &notifier.Recipient{
		ID:                   id,
		DisplayName:          "Member " + id,
		Email:                email,
		NotificationsEnabled: true,
	}
}

func post(g *notifier.Group, id string) *notifier.ContentItem {
	item := &notifier.ContentItem{
		ID:        id,
		Title:     "Post " + id,
		CreatedAt: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
		Group:     g,
	}
	if g != nil {
		item.GroupID = g.ID
	}
	return item
}
