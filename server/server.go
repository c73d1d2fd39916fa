// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trippy-notifier/digest"
	"trippy-notifier/pkg/notifier"
	"trippy-notifier/token"
)

// DefaultRunTimeout bounds a triggered digest run when none is configured.
const DefaultRunTimeout = 10 * time.Minute

// Runner executes a digest run.
type Runner interface {
	Run(ctx context.Context, opts digest.RunOptions) (*notifier.RunReport, error)
}

// TokenVerifier checks signed email link tokens.
type TokenVerifier interface {
	Verify(token string) (*token.Payload, error)
}

// Unsubscriber turns off digest emails for a member.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, memberID string, at time.Time) error
}

// SessionIssuer logs a member into a group.
type SessionIssuer interface {
	Issue(w http.ResponseWriter, groupID, memberID string) error
}

// Server handles HTTP requests.
type Server struct {
	runner        Runner
	tokens        TokenVerifier
	members       Unsubscriber
	sessions      SessionIssuer
	checkConfig   func() error
	gatherer      prometheus.Gatherer
	limiter       *ipLimiter
	logger        *slog.Logger
	now           func() time.Time
	cronSecret    string
	trustedHeader string
	trustedValue  string
	testTo        string
	production    bool
	runTimeout    time.Duration
}

// Config holds server configuration.
type Config struct {
	Runner        Runner
	Tokens        TokenVerifier
	Members       Unsubscriber
	Sessions      SessionIssuer
	CheckConfig   func() error        // Reports the first missing digest setting
	Gatherer      prometheus.Gatherer // Defaults to prometheus.DefaultGatherer
	Logger        *slog.Logger
	Now           func() time.Time
	CronSecret    string
	TrustedHeader string // "Name: value" set only by the scheduler in front of this instance
	TestTo        string // Fixed test recipient, ignored in production
	Production    bool
	RunTimeout    time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		runner:      cfg.Runner,
		tokens:      cfg.Tokens,
		members:     cfg.Members,
		sessions:    cfg.Sessions,
		checkConfig: cfg.CheckConfig,
		gatherer:    cfg.Gatherer,
		logger:      cfg.Logger,
		now:         cfg.Now,
		cronSecret:  cfg.CronSecret,
		testTo:      cfg.TestTo,
		production:  cfg.Production,
		runTimeout:  cfg.RunTimeout,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.runTimeout <= 0 {
		s.runTimeout = DefaultRunTimeout
	}
	s.trustedHeader, s.trustedValue = parseTrustedHeader(cfg.TrustedHeader)
	s.limiter = newIPLimiter(linkRate, linkBurst, s.now)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cron/posts-update", s.handleCron)
	mux.HandleFunc("/api/email/link", s.handleLink)
	mux.HandleFunc("/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return securityHeaders(mux)
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      s.runTimeout + 30*time.Second, // A triggered run answers only when done
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}
