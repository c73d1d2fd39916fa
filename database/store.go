// Package database reads groups, members, posts and post views from the
// application database and applies unsubscribe requests.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"trippy-notifier/pkg/notifier"
)

// ErrMemberNotFound is returned when an unsubscribe targets an unknown member.
var ErrMemberNotFound = errors.New("member not found")

// Store is the SQL-backed membership store, content source and view log.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the database. driver is "sqlite" or "mysql".
// Schema migrations are applied for sqlite only.
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	s := &Store{db: db, logger: logger}

	if driver == "sqlite" {
		// In-memory databases are per-connection.
		db.SetMaxOpenConns(1)
		if err := s.runMigrations(); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		s.logger.Info("Applied database migration", "version", m.version)
	}

	return nil
}

type postRow struct {
	CreatedAt       time.Time      `db:"created_at"`
	ID              string         `db:"id"`
	GroupID         string         `db:"group_id"`
	Title           string         `db:"title"`
	Body            string         `db:"body"`
	PreviewImageURL string         `db:"preview_image_url"`
	AuthorName      string         `db:"author_name"`
	JoinedGroupID   sql.NullString `db:"joined_group_id"`
	GroupName       sql.NullString `db:"group_name"`
	GroupSlug       sql.NullString `db:"group_slug"`
}

// RecentItems returns posts created at or after since, newest first, joined
// with their author and group. Posts whose group no longer exists come back
// with a nil Group.
func (s *Store) RecentItems(ctx context.Context, since time.Time) ([]*notifier.ContentItem, error) {
	// groups is reserved in MySQL 8; sqlite also accepts backtick quoting.
	const query = "SELECT" +
		" p.id, p.group_id, p.created_at," +
		" COALESCE(p.title, '') AS title," +
		" COALESCE(p.body, '') AS body," +
		" COALESCE(p.preview_image_url, '') AS preview_image_url," +
		" COALESCE(m.display_name, '') AS author_name," +
		" g.id AS joined_group_id, g.name AS group_name, g.slug AS group_slug" +
		" FROM posts p" +
		" LEFT JOIN `groups` g ON g.id = p.group_id" +
		" LEFT JOIN group_members m ON m.id = p.author_id" +
		" WHERE p.created_at >= ?" +
		" ORDER BY p.created_at DESC"

	var rows []postRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), since.UTC()); err != nil {
		return nil, fmt.Errorf("select recent posts: %w", err)
	}

	items := make([]*notifier.ContentItem, 0, len(rows))
	for _, r := range rows {
		item := &notifier.ContentItem{
			ID:              r.ID,
			GroupID:         r.GroupID,
			Title:           r.Title,
			Body:            r.Body,
			AuthorName:      r.AuthorName,
			PreviewImageURL: r.PreviewImageURL,
			CreatedAt:       r.CreatedAt,
		}
		if r.JoinedGroupID.Valid {
			item.Group = &notifier.Group{
				ID:   r.JoinedGroupID.String,
				Name: r.GroupName.String,
				Slug: r.GroupSlug.String,
			}
		}
		items = append(items, item)
	}

	return items, nil
}

type memberRow struct {
	UnsubscribedAt       sql.NullTime   `db:"email_unsubscribed_at"`
	Email                sql.NullString `db:"email"`
	ID                   string         `db:"id"`
	DisplayName          string         `db:"display_name"`
	NotificationsEnabled bool           `db:"email_notifications_enabled"`
}

// EligibleRecipients returns members of groupID with an email address who
// have notifications enabled and have not unsubscribed.
func (s *Store) EligibleRecipients(ctx context.Context, groupID string) ([]*notifier.Recipient, error) {
	const query = `
		SELECT id, display_name, email, email_notifications_enabled, email_unsubscribed_at
		FROM group_members
		WHERE group_id = ?
			AND email IS NOT NULL
			AND email <> ''
			AND email_notifications_enabled = 1
			AND email_unsubscribed_at IS NULL
		ORDER BY id`

	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), groupID); err != nil {
		return nil, fmt.Errorf("select recipients for group %s: %w", groupID, err)
	}

	recipients := make([]*notifier.Recipient, 0, len(rows))
	for _, r := range rows {
		rec := &notifier.Recipient{
			ID:                   r.ID,
			DisplayName:          r.DisplayName,
			Email:                r.Email.String,
			NotificationsEnabled: r.NotificationsEnabled,
		}
		if r.UnsubscribedAt.Valid {
			t := r.UnsubscribedAt.Time
			rec.UnsubscribedAt = &t
		}
		recipients = append(recipients, rec)
	}

	return recipients, nil
}

// Views returns every view by any of memberIDs on any of postIDs in one query.
func (s *Store) Views(ctx context.Context, memberIDs, postIDs []string) ([]notifier.ViewRecord, error) {
	if len(memberIDs) == 0 || len(postIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		`SELECT member_id, post_id FROM post_views WHERE member_id IN (?) AND post_id IN (?)`,
		memberIDs, postIDs)
	if err != nil {
		return nil, fmt.Errorf("expand view query: %w", err)
	}

	var views []notifier.ViewRecord
	if err := s.db.SelectContext(ctx, &views, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select post views: %w", err)
	}
	return views, nil
}

// Unsubscribe disables digest emails for a member and stamps the time.
func (s *Store) Unsubscribe(ctx context.Context, memberID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE group_members
		SET email_notifications_enabled = 0, email_unsubscribed_at = ?
		WHERE id = ?`), at.UTC(), memberID)
	if err != nil {
		return fmt.Errorf("update member %s: %w", memberID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrMemberNotFound
	}

	s.logger.Info("Member unsubscribed from digest emails", "member_id", memberID)
	return nil
}
