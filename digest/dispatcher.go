// Package digest finds posts each group member has not seen yet and emails
// them one digest per group.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"trippy-notifier/metrics"
	"trippy-notifier/pkg/notifier"
)

const (
	// DefaultLookback is how far back a run looks for new posts.
	DefaultLookback = 3 * 24 * time.Hour

	// DefaultSendInterval paces sends to roughly 10 messages per second.
	DefaultSendInterval = 100 * time.Millisecond

	// DefaultLockTTL bounds how long a crashed run can block the next one.
	DefaultLockTTL = 15 * time.Minute

	lockKey = "digest-run"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = errors.New("digest run already in progress")

// ContentSource lists recently created posts.
type ContentSource interface {
	RecentItems(ctx context.Context, since time.Time) ([]*notifier.ContentItem, error)
}

// Composer renders a digest for one recipient.
type Composer interface {
	Compose(group *notifier.Group, recipient *notifier.Recipient, items []*notifier.ContentItem) (*notifier.Message, error)
}

// Transport delivers an email.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Locker provides a mutual-exclusion lock shared by all instances. Acquire
// returns an error wrapping notifier.ErrLockHeld when another holder has it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// ReportArchive keeps completed run reports.
type ReportArchive interface {
	SaveReport(ctx context.Context, report *notifier.RunReport) error
}

// Config holds dispatcher dependencies and tuning.
type Config struct {
	Content      ContentSource
	Members      MemberStore
	Views        ViewLog
	Composer     Composer
	Transport    Transport
	Locker       Locker        // Optional
	Archive      ReportArchive // Optional
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
	Production   bool
	Lookback     time.Duration
	SendInterval time.Duration // Zero or negative disables pacing
	LockTTL      time.Duration
}

// Dispatcher runs the digest pipeline.
type Dispatcher struct {
	content      ContentSource
	resolver     *Resolver
	filter       *Filter
	composer     Composer
	transport    Transport
	locker       Locker
	archive      ReportArchive
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	production   bool
	lookback     time.Duration
	sendInterval time.Duration
	lockTTL      time.Duration
}

// RunOptions adjusts a single run.
type RunOptions struct {
	TestTo string // Send every digest to this address instead of group members (non-production only)
}

// New creates a dispatcher.
func New(cfg *Config) *Dispatcher {
	d := &Dispatcher{
		content:      cfg.Content,
		resolver:     NewResolver(cfg.Members, cfg.Production, cfg.Logger),
		filter:       NewFilter(cfg.Views),
		composer:     cfg.Composer,
		transport:    cfg.Transport,
		locker:       cfg.Locker,
		archive:      cfg.Archive,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		now:          cfg.Now,
		production:   cfg.Production,
		lookback:     cfg.Lookback,
		sendInterval: cfg.SendInterval,
		lockTTL:      cfg.LockTTL,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.lookback <= 0 {
		d.lookback = DefaultLookback
	}
	if d.lockTTL <= 0 {
		d.lockTTL = DefaultLockTTL
	}
	return d
}

// bundle is the run-scoped set of posts for one group.
type bundle struct {
	group *notifier.Group
	items []*notifier.ContentItem
}

// Run executes one digest run. Once work has started a report is always
// returned; individual send failures are recorded in it rather than returned.
// If ctx ends mid-run the report is marked Partial.
func (d *Dispatcher) Run(ctx context.Context, opts RunOptions) (*notifier.RunReport, error) {
	if opts.TestTo != "" && d.production {
		return nil, ErrTestOverrideInProduction
	}

	start := d.now()

	if d.locker != nil {
		release, err := d.locker.Acquire(ctx, lockKey, d.lockTTL)
		if err != nil {
			if errors.Is(err, notifier.ErrLockHeld) {
				d.metrics.ObserveRun("locked", 0)
				return nil, ErrRunInProgress
			}
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warn("Failed to release run lock", "error", err)
			}
		}()
	}

	report := &notifier.RunReport{
		RunID:     uuid.NewString(),
		Since:     start.Add(-d.lookback).UTC(),
		StartedAt: start.UTC(),
		TestTo:    opts.TestTo,
		PerGroup:  make(map[string]*notifier.GroupReport),
	}
	logger := d.logger.With("run_id", report.RunID)

	items, err := d.content.RecentItems(ctx, report.Since)
	if err != nil {
		if ctx.Err() != nil {
			report.Partial = true
			return d.finish(ctx, logger, report), nil
		}
		d.metrics.ObserveRun("failed", d.now().Sub(start))
		return nil, fmt.Errorf("collect posts: %w", err)
	}
	report.PostsFound = len(items)
	d.metrics.SetPostsFound(len(items))

	bundles := groupItems(items)

	logger.Info("Starting digest run",
		"since", report.Since.Format(time.RFC3339),
		"posts_found", len(items),
		"groups", len(bundles),
		"test_mode", opts.TestTo != "")

	limiter := rate.NewLimiter(rate.Inf, 1)
	if d.sendInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(d.sendInterval), 1)
	}

	for _, b := range bundles {
		if ctx.Err() != nil {
			report.Partial = true
			break
		}

		report.GroupsWithPosts++
		gr := &notifier.GroupReport{Posts: len(b.items)}
		report.PerGroup[b.group.ID] = gr

		if err := d.dispatchGroup(ctx, logger, b, opts.TestTo, limiter, gr, report); err != nil {
			if ctx.Err() != nil {
				report.Partial = true
				break
			}
			// Continue with other groups despite errors
			logger.Warn("Group digest failed", "group_id", b.group.ID, "error", err)
		}
	}

	return d.finish(ctx, logger, report), nil
}

// finish stamps, logs, records and archives a run report.
func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, report *notifier.RunReport) *notifier.RunReport {
	report.FinishedAt = d.now().UTC()
	report.OK = !report.Partial

	outcome := "completed"
	if report.Partial {
		outcome = "partial"
		logger.Warn("Digest run stopped early", "error", ctx.Err())
	}
	d.metrics.ObserveRun(outcome, report.FinishedAt.Sub(report.StartedAt))

	logger.Info("Digest run completed",
		"posts_found", report.PostsFound,
		"groups_with_posts", report.GroupsWithPosts,
		"total_recipients", report.TotalRecipients,
		"total_emails_sent", report.TotalEmailsSent,
		"total_failed", report.TotalFailed,
		"partial", report.Partial)

	if d.archive != nil {
		if err := d.archive.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			logger.Warn("Failed to archive run report", "error", err)
		}
	}

	return report
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, logger *slog.Logger, b *bundle, testTo string,
	limiter *rate.Limiter, gr *notifier.GroupReport, report *notifier.RunReport,
) error {
	recipients, err := d.resolver.Resolve(ctx, b.group.ID, testTo)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	gr.Recipients = len(recipients)
	report.TotalRecipients += len(recipients)

	recipientIDs := make([]string, len(recipients))
	for i, r := range recipients {
		recipientIDs[i] = r.ID
	}
	itemIDs := make([]string, len(b.items))
	for i, item := range b.items {
		itemIDs[i] = item.ID
	}

	seen, err := d.filter.Seen(ctx, recipientIDs, itemIDs)
	if err != nil {
		return fmt.Errorf("fetch views: %w", err)
	}

	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		unseen := seen.Unseen(r.ID, b.items)
		if len(unseen) == 0 {
			d.metrics.EmailSkipped()
			logger.Debug("Recipient has seen every post", "group_id", b.group.ID, "recipient_id", r.ID)
			continue
		}

		msg, err := d.composer.Compose(b.group, r, unseen)
		if err != nil {
			d.recordFailure(logger, gr, report, b.group.ID, r.ID, "compose", err)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		startTime := time.Now()
		if err := d.transport.Send(ctx, msg.To, msg.Subject, msg.HTML); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.recordFailure(logger, gr, report, b.group.ID, r.ID, "send", err)
			continue
		}

		gr.Sent++
		report.TotalEmailsSent++
		d.metrics.EmailSent()
		logger.Info("Digest email sent",
			"group_id", b.group.ID,
			"recipient_id", r.ID,
			"post_count", len(unseen),
			"duration_ms", time.Since(startTime).Milliseconds())
	}

	return nil
}

func (d *Dispatcher) recordFailure(logger *slog.Logger, gr *notifier.GroupReport, report *notifier.RunReport,
	groupID, recipientID, stage string, err error,
) {
	logger.Warn("Digest email failed",
		"group_id", groupID,
		"recipient_id", recipientID,
		"stage", stage,
		"error", err)
	gr.Failed = append(gr.Failed, notifier.SendFailure{
		RecipientID: recipientID,
		Stage:       stage,
		Reason:      err.Error(),
	})
	report.TotalFailed++
	d.metrics.EmailFailed(stage)
}

// groupItems partitions items by group in first-seen order, dropping posts
// whose group has been deleted.
func groupItems(items []*notifier.ContentItem) []*bundle {
	var bundles []*bundle
	index := make(map[string]*bundle)

	for _, item := range items {
		if item.Group == nil {
			continue
		}
		b, ok := index[item.Group.ID]
		if !ok {
			b = &bundle{group: item.Group}
			index[item.Group.ID] = b
			bundles = append(bundles, b)
		}
		b.items = append(b.items, item)
	}

	return bundles
}
