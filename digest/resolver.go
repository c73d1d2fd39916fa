package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trippy-notifier/pkg/notifier"
)

// ErrTestOverrideInProduction is returned when a test recipient is requested
// while running in production.
var ErrTestOverrideInProduction = errors.New("testTo is not allowed in production")

// TestRecipientID identifies the synthetic recipient used for test overrides.
const TestRecipientID = "dev-test"

// MemberStore reads group membership.
type MemberStore interface {
	EligibleRecipients(ctx context.Context, groupID string) ([]*notifier.Recipient, error)
}

// Resolver returns the members of a group who should receive a digest.
type Resolver struct {
	store      MemberStore
	logger     *slog.Logger
	production bool
}

// NewResolver creates a recipient resolver.
func NewResolver(store MemberStore, production bool, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:      store,
		production: production,
		logger:     logger,
	}
}

// Resolve returns eligible recipients for groupID. When testTo is set outside
// production, a single synthetic recipient is returned and the membership
// store is never queried.
func (r *Resolver) Resolve(ctx context.Context, groupID, testTo string) ([]*notifier.Recipient, error) {
	if testTo != "" {
		if r.production {
			return nil, ErrTestOverrideInProduction
		}
		return []*notifier.Recipient{{
			ID:                   TestRecipientID,
			DisplayName:          "Dev Test",
			Email:                testTo,
			NotificationsEnabled: true,
		}}, nil
	}

	members, err := r.store.EligibleRecipients(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}

	// Consent is enforced here as well as in the query.
	recipients := make([]*notifier.Recipient, 0, len(members))
	for _, m := range members {
		if !m.Eligible() {
			r.logger.Warn("Dropping ineligible recipient returned by store",
				"group_id", groupID,
				"recipient_id", m.ID)
			continue
		}
		recipients = append(recipients, m)
	}

	return recipients, nil
}
