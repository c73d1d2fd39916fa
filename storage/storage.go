// Package storage holds the digest run lock and archived run reports in
// Cloud Storage, or on the local filesystem for development.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"trippy-notifier/pkg/notifier"
)

// Store persists locks and run reports.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
}

// New creates a new storage handler. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		now:       time.Now,
	}
}

// lockRecord is the content of a lock object.
type lockRecord struct {
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Owner      string    `json:"owner"`
}

func (r *lockRecord) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// validName reports whether name is safe to use as an object or file name.
func validName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, c := range name {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// LockKey returns the object name used for the named lock.
func LockKey(name string) string {
	if !validName(name) {
		return ""
	}
	return path.Join("locks", name+".json")
}

// ReportKey returns the object name used for a run report.
func ReportKey(report *notifier.RunReport) string {
	if !validName(report.RunID) {
		return ""
	}
	return path.Join("reports", report.StartedAt.UTC().Format("2006-01-02"), report.RunID+".json")
}

// Acquire takes the named lock for ttl. A lock whose holder did not release
// it is taken over once expired. The returned release func only removes the
// lock if it is still held by this caller.
func (s *Store) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	key := LockKey(name)
	if key == "" {
		return nil, fmt.Errorf("invalid lock name %q", name)
	}

	now := s.now()
	rec := &lockRecord{
		Owner:      uuid.NewString(),
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	if s.localPath != "" {
		return s.acquireLocal(key, rec, data)
	}
	return s.acquireGCS(ctx, key, rec, data)
}

func (s *Store) acquireLocal(key string, rec *lockRecord, data []byte) (func(context.Context) error, error) {
	filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	// Two attempts: the second follows removal of an expired lock.
	for range 2 {
		f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, writeErr := f.Write(data)
			closeErr := f.Close()
			if writeErr != nil || closeErr != nil {
				if rmErr := os.Remove(filePath); rmErr != nil {
					s.logger.Warn("Failed to remove partial lock file", "path", filePath, "error", rmErr)
				}
				return nil, fmt.Errorf("write lock file: %w", errors.Join(writeErr, closeErr))
			}
			s.logger.Info("Lock acquired", "key", key, "owner", rec.Owner, "expires_at", rec.ExpiresAt)
			return func(context.Context) error { return s.releaseLocal(filePath, rec.Owner) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		held, readErr := readLocalLock(filePath)
		if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
			s.logger.Warn("Unreadable lock file, taking over", "key", key, "error", readErr)
		} else if held != nil && !held.expired(s.now()) {
			return nil, fmt.Errorf("%w: %s held by %s until %s",
				notifier.ErrLockHeld, key, held.Owner, held.ExpiresAt.Format(time.RFC3339))
		} else if held != nil {
			s.logger.Warn("Taking over expired lock", "key", key, "previous_owner", held.Owner, "expired_at", held.ExpiresAt)
		}
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	return nil, fmt.Errorf("%w: %s", notifier.ErrLockHeld, key)
}

func readLocalLock(filePath string) (*lockRecord, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal lock: %w", err)
	}
	return &rec, nil
}

func (s *Store) releaseLocal(filePath, owner string) error {
	held, err := readLocalLock(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	if held.Owner != owner {
		s.logger.Warn("Lock was taken over before release", "path", filePath, "owner", held.Owner)
		return nil
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	s.logger.Info("Lock released", "path", filePath, "owner", owner)
	return nil
}

// isPreconditionFailed reports whether err is an HTTP 412 from Cloud Storage.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// writeObject writes data to obj, retrying transient failures. It reports
// precondition failures through the returned bool instead of retrying them.
func (s *Store) writeObject(ctx context.Context, obj *storage.ObjectHandle, data []byte) (attrs *storage.ObjectAttrs, conflict bool, err error) {
	err = retry.Do(
		func() error {
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := io.Copy(w, bytes.NewReader(data)); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(closeErr)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			attrs = w.Attrs()
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage write after error", "attempt", n, "object", obj.ObjectName(), "error", retryErr)
		}),
	)
	if conflict {
		return nil, true, nil
	}
	return attrs, false, err
}

func (s *Store) acquireGCS(ctx context.Context, key string, rec *lockRecord, data []byte) (func(context.Context) error, error) {
	obj := s.client.Bucket(s.bucket).Object(key)

	attrs, conflict, err := s.writeObject(ctx, obj.If(storage.Conditions{DoesNotExist: true}), data)
	if err != nil {
		return nil, fmt.Errorf("create lock object: %w", err)
	}

	if conflict {
		held, heldGeneration, readErr := s.readGCSLock(ctx, obj)
		if errors.Is(readErr, storage.ErrObjectNotExist) {
			// Released between our write and read; the next trigger will get it.
			return nil, fmt.Errorf("%w: %s", notifier.ErrLockHeld, key)
		}
		if readErr != nil {
			return nil, fmt.Errorf("read lock object: %w", readErr)
		}
		if !held.expired(s.now()) {
			return nil, fmt.Errorf("%w: %s held by %s until %s",
				notifier.ErrLockHeld, key, held.Owner, held.ExpiresAt.Format(time.RFC3339))
		}

		s.logger.Warn("Taking over expired lock", "key", key, "previous_owner", held.Owner, "expired_at", held.ExpiresAt)
		attrs, conflict, err = s.writeObject(ctx, obj.If(storage.Conditions{GenerationMatch: heldGeneration}), data)
		if err != nil {
			return nil, fmt.Errorf("replace expired lock: %w", err)
		}
		if conflict {
			return nil, fmt.Errorf("%w: %s", notifier.ErrLockHeld, key)
		}
	}

	generation := attrs.Generation
	s.logger.Info("Lock acquired", "key", key, "owner", rec.Owner, "generation", generation, "expires_at", rec.ExpiresAt)

	return func(ctx context.Context) error {
		err := obj.If(storage.Conditions{GenerationMatch: generation}).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			if isPreconditionFailed(err) {
				s.logger.Warn("Lock was taken over before release", "key", key, "owner", rec.Owner)
				return nil
			}
			return fmt.Errorf("delete lock object: %w", err)
		}
		s.logger.Info("Lock released", "key", key, "owner", rec.Owner)
		return nil
	}, nil
}

func (s *Store) readGCSLock(ctx context.Context, obj *storage.ObjectHandle) (*lockRecord, int64, error) {
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			s.logger.Warn("Failed to close storage reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read from storage: %w", err)
	}

	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Unparsable content counts as expired.
		return &lockRecord{}, r.Attrs.Generation, nil
	}
	return &rec, r.Attrs.Generation, nil
}

// SaveReport archives a completed run report.
func (s *Store) SaveReport(ctx context.Context, report *notifier.RunReport) error {
	key := ReportKey(report)
	if key == "" {
		return fmt.Errorf("invalid run id %q", report.RunID)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Run report saved to local storage", "path", filePath, "run_id", report.RunID)
		return nil
	}

	if _, _, err := s.writeObject(ctx, s.client.Bucket(s.bucket).Object(key), data); err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	s.logger.Info("Run report saved", "key", key, "run_id", report.RunID)
	return nil
}

// LoadReport reads an archived report by its object key.
func (s *Store) LoadReport(ctx context.Context, key string) (*notifier.RunReport, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var report notifier.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}
