package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"trippy-notifier/pkg/notifier"
)

// TestResolveTestOverride verifies the synthetic recipient replaces the store outside production.
func TestResolveTestOverride(t *testing.T) {
	store := &fakeMembers{byGroup: map[string][]*notifier.Recipient{
		"g1": {member("m1", "m1@example.com")},
	}}
	r := NewResolver(store, false, discardLogger())

	got, err := r.Resolve(context.Background(), "g1", "dev@example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Resolve() returned %d recipients, want 1", len(got))
	}
	if got[0].ID != TestRecipientID || got[0].Email != "dev@example.com" {
		t.Errorf("Resolve() = %+v, want synthetic recipient for dev@example.com", got[0])
	}
	if store.calls != 0 {
		t.Errorf("store queried %d times, want 0", store.calls)
	}
}

// TestResolveTestOverrideInProduction verifies the override is an error in production.
func TestResolveTestOverrideInProduction(t *testing.T) {
	store := &fakeMembers{}
	r := NewResolver(store, true, discardLogger())

	_, err := r.Resolve(context.Background(), "g1", "dev@example.com")
	if !errors.Is(err, ErrTestOverrideInProduction) {
		t.Errorf("Resolve() error = %v, want ErrTestOverrideInProduction", err)
	}
	if store.calls != 0 {
		t.Errorf("store queried %d times, want 0", store.calls)
	}
}

// TestResolveEnforcesConsent verifies both consent conditions hold even if the store returns extra rows.
func TestResolveEnforcesConsent(t *testing.T) {
	unsubscribed := member("m2", "m2@example.com")
	stamp := time.Now()
	unsubscribed.UnsubscribedAt = &stamp

	disabled := member("m3", "m3@example.com")
	disabled.NotificationsEnabled = false

	store := &fakeMembers{byGroup: map[string][]*notifier.Recipient{
		"g1": {
			member("m1", "m1@example.com"),
			unsubscribed,
			disabled,
			member("m4", ""),
		},
	}}
	r := NewResolver(store, true, discardLogger())

	got, err := r.Resolve(context.Background(), "g1", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		ids := make([]string, len(got))
		for i, rec := range got {
			ids[i] = rec.ID
		}
		t.Errorf("Resolve() = %v, want [m1]", ids)
	}
}

// TestResolveStoreError verifies store failures are wrapped and returned.
func TestResolveStoreError(t *testing.T) {
	boom := errors.New("connection refused")
	r := NewResolver(&fakeMembers{err: boom}, false, discardLogger())

	_, err := r.Resolve(context.Background(), "g1", "")
	if !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want wrapped %v", err, boom)
	}
}
