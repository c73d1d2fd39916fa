// Package notifier contains the core domain types for the group digest service.
package notifier

import (
	"errors"
	"time"
)

// ErrLockHeld is returned by run locks when another process holds the lock.
var ErrLockHeld = errors.New("lock held by another process")

// Group is a travel group that members post into.
type Group struct {
	ID   string
	Name string
	Slug string
}

// ContentItem is a post eligible for a digest.
type ContentItem struct {
	Group           *Group // nil when the parent group was deleted after the post was created
	ID              string
	GroupID         string
	Title           string
	Body            string // Plain text or HTML, reduced to a snippet by the composer
	AuthorName      string
	PreviewImageURL string // Normalized from the first media item at the store boundary
	CreatedAt       time.Time
}

// Recipient is a group member who may receive digest emails.
type Recipient struct {
	UnsubscribedAt       *time.Time
	ID                   string
	DisplayName          string
	Email                string
	NotificationsEnabled bool
}

// Eligible reports whether the member has consented to digest emails.
// Both the enabled flag and the absence of an unsubscribe stamp are required.
func (r *Recipient) Eligible() bool {
	return r != nil && r.Email != "" && r.NotificationsEnabled && r.UnsubscribedAt == nil
}

// ViewRecord marks that a recipient has seen a content item.
type ViewRecord struct {
	RecipientID   string `db:"member_id"`
	ContentItemID string `db:"post_id"`
}

// Message is a fully composed email ready for a transport.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// SendFailure records why a single recipient did not receive a digest.
type SendFailure struct {
	RecipientID string `json:"recipient_id"`
	Stage       string `json:"stage"` // "compose" or "send"
	Reason      string `json:"reason"`
}

// GroupReport is the per-group breakdown of a run.
type GroupReport struct {
	Failed     []SendFailure `json:"failed,omitempty"`
	Posts      int           `json:"posts"`
	Recipients int           `json:"recipients"`
	Sent       int           `json:"sent"`
}

// RunReport summarizes one digest run.
type RunReport struct {
	Since           time.Time               `json:"since"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at"`
	PerGroup        map[string]*GroupReport `json:"per_group"`
	RunID           string                  `json:"run_id"`
	TestTo          string                  `json:"test_to,omitempty"`
	PostsFound      int                     `json:"posts_found"`
	GroupsWithPosts int                     `json:"groups_with_posts"`
	TotalRecipients int                     `json:"total_recipients"`
	TotalEmailsSent int                     `json:"total_emails_sent"`
	TotalFailed     int                     `json:"total_failed"`
	OK              bool                    `json:"ok"`
	Partial         bool                    `json:"partial"` // Run stopped early on cancellation or deadline
}
