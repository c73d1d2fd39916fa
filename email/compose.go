package email

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"trippy-notifier/pkg/notifier"
)

// TokenMinter issues signed link tokens.
type TokenMinter interface {
	Mint(subjectID, scopeID string, ttl time.Duration) (string, error)
}

// Composer renders digest emails with signed links back into the app.
type Composer struct {
	tokens       TokenMinter
	baseURL      string
	tokenTTL     time.Duration
	lookbackDays int
}

// NewComposer creates a digest composer. lookback is only used for the
// "in the last N days" line.
func NewComposer(tokens TokenMinter, baseURL string, tokenTTL, lookback time.Duration) *Composer {
	days := int(lookback / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return &Composer{
		tokens:       tokens,
		baseURL:      strings.TrimRight(baseURL, "/"),
		tokenTTL:     tokenTTL,
		lookbackDays: days,
	}
}

// digestPost is a post prepared for rendering.
type digestPost struct {
	Title      string
	AuthorName string
	Snippet    string
	ImageURL   string
	URL        string
}

// digestView holds everything the digest template renders.
type digestView struct {
	GroupName      string
	Preview        string
	LogoURL        string
	GroupURL       string
	UnsubscribeURL string
	Posts          []digestPost
	LookbackDays   int
}

// Compose builds the digest message for one recipient. A single token scoped
// to (recipient, group) signs every link in the message.
func (c *Composer) Compose(group *notifier.Group, recipient *notifier.Recipient, items []*notifier.ContentItem) (*notifier.Message, error) {
	if group == nil || recipient == nil {
		return nil, errors.New("compose digest: group and recipient are required")
	}
	if len(items) == 0 {
		return nil, errors.New("compose digest: no posts")
	}

	token, err := c.tokens.Mint(recipient.ID, group.ID, c.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint link token: %w", err)
	}

	groupPath := "/g/" + url.PathEscape(group.Slug)
	subject := Subject(group.Name, len(items))

	view := &digestView{
		GroupName:      group.Name,
		Preview:        subject,
		LogoURL:        c.baseURL + "/trippi.png",
		GroupURL:       c.linkURL(token, groupPath),
		UnsubscribeURL: c.baseURL + "/unsubscribe?token=" + url.QueryEscape(token) + "&redirect=" + url.QueryEscape(groupPath),
		LookbackDays:   c.lookbackDays,
		Posts:          make([]digestPost, 0, len(items)),
	}
	for _, item := range items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "New post"
		}
		view.Posts = append(view.Posts, digestPost{
			Title:      title,
			AuthorName: item.AuthorName,
			Snippet:    snippet(item.Body),
			ImageURL:   item.PreviewImageURL,
			URL:        c.linkURL(token, groupPath+"/post/"+url.PathEscape(item.ID)),
		})
	}

	return &notifier.Message{
		To:      recipient.Email,
		Subject: subject,
		HTML:    formatDigestBody(view),
	}, nil
}

// linkURL returns a signed link that establishes a session then redirects to path.
func (c *Composer) linkURL(token, path string) string {
	return c.baseURL + "/api/email/link?token=" + url.QueryEscape(token) + "&redirect=" + url.QueryEscape(path)
}

// Subject returns the digest subject line for n posts in a group.
func Subject(groupName string, n int) string {
	if n == 1 {
		return groupName + ": 1 new post"
	}
	return fmt.Sprintf("%s: %d new posts", groupName, n)
}
