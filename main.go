// Package main implements a Cloud Run service that emails group members a
// digest of posts they have not yet seen.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"trippy-notifier/config"
	"trippy-notifier/database"
	"trippy-notifier/digest"
	"trippy-notifier/email"
	"trippy-notifier/metrics"
	"trippy-notifier/server"
	"trippy-notifier/session"
	store "trippy-notifier/storage"
	"trippy-notifier/token"
)

const defaultLocalStorage = "./data"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := ensureSQLiteDir(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
		return err
	}
	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}()

	runStore, closeStore, err := openRunStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	transport, transportErr := newTransport(ctx, cfg, logger)
	if transportErr != nil {
		// The trigger endpoint reports the missing setting; links keep working.
		logger.Warn("No email transport available, digest runs will be refused", "error", transportErr)
	}

	codec, err := token.New([]byte(cfg.EmailLinkSecret))
	if err != nil {
		logger.Warn("Email links disabled", "error", err)
	}
	sessions, err := session.NewManager([]byte(cfg.SessionSecret), cfg.SessionMaxAge, cfg.IsProduction())
	if err != nil {
		logger.Warn("Member sessions disabled", "error", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	dispatcher := digest.New(&digest.Config{
		Content:      db,
		Members:      db,
		Views:        db,
		Composer:     email.NewComposer(codec, cfg.BaseURL, cfg.LinkTTL, cfg.Lookback),
		Transport:    transport,
		Locker:       runStore,
		Archive:      runStore,
		Metrics:      m,
		Logger:       logger,
		Production:   cfg.IsProduction(),
		Lookback:     cfg.Lookback,
		SendInterval: cfg.SendInterval,
		LockTTL:      cfg.LockTTL,
	})

	srv := server.New(&server.Config{
		Runner:   dispatcher,
		Tokens:   codec,
		Members:  db,
		Sessions: sessions,
		CheckConfig: func() error {
			if err := cfg.CheckDigest(); err != nil {
				return err
			}
			if transportErr != nil {
				return fmt.Errorf("email transport unavailable: %w", transportErr)
			}
			return nil
		},
		Gatherer:      prometheus.DefaultGatherer,
		Logger:        logger,
		CronSecret:    cfg.CronSecret,
		TrustedHeader: cfg.TrustedHeader,
		TestTo:        cfg.EmailTestTo,
		Production:    cfg.IsProduction(),
		RunTimeout:    cfg.RunTimeout,
	})

	logger.Info("Digest service configured",
		"env", cfg.AppEnv,
		"provider", cfg.Provider(),
		"database", cfg.DatabaseDriver,
		"lookback", cfg.Lookback.String(),
		"send_interval", cfg.SendInterval.String())

	return srv.ListenAndServe(ctx, cfg.Port)
}

// ensureSQLiteDir creates the parent directory of a file-backed SQLite database.
func ensureSQLiteDir(driver, dsn string) error {
	if driver != "sqlite" || dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// openRunStore returns the lock and report store. Without a bucket it falls
// back to local files for development.
func openRunStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, func(), error) {
	localPath := cfg.LocalStorage
	if cfg.StorageBucket == "" && localPath == "" {
		localPath = defaultLocalStorage
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", localPath)
	}

	if localPath != "" {
		if err := os.MkdirAll(localPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		return store.New(nil, "", localPath, logger), func() {}, nil
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize storage client: %w", err)
	}
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close storage client", "error", err)
		}
	}
	return store.New(client, cfg.StorageBucket, "", logger), closeFn, nil
}

// newTransport builds the email provider chosen by the configuration.
func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (digest.Transport, error) {
	switch cfg.Provider() {
	case config.ProviderResend:
		if cfg.ResendAPIKey == "" {
			return nil, errors.New("RESEND_API_KEY is not set")
		}
		return email.NewResendProvider(cfg.ResendAPIKey, senderAddress(cfg), logger), nil
	case config.ProviderBrevo:
		if cfg.BrevoAPIKey == "" {
			return nil, errors.New("BREVO_API_KEY is not set")
		}
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger), nil
	case config.ProviderGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		return email.NewGmailProvider(svc, logger), nil
	case config.ProviderMock:
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	}
	return nil, errors.New("no email provider configured")
}

// senderAddress formats the From header, adding the display name when set.
func senderAddress(cfg *config.Config) string {
	if cfg.EmailFromName == "" || strings.Contains(cfg.EmailFrom, "<") {
		return cfg.EmailFrom
	}
	return fmt.Sprintf("%s <%s>", cfg.EmailFromName, cfg.EmailFrom)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Explicit credentials first, for local development
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account needs the gmail.send scope
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
