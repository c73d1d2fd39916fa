package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"trippy-notifier/digest"
)

// parseTrustedHeader splits a "Name: value" rule. An empty or malformed rule
// trusts no header.
func parseTrustedHeader(rule string) (name, value string) {
	name, value, ok := strings.Cut(rule, ":")
	name, value = strings.TrimSpace(name), strings.TrimSpace(value)
	if !ok || name == "" || value == "" {
		return "", ""
	}
	return http.CanonicalHeaderKey(name), value
}

// authorized reports whether r may trigger a digest run. A scheduler header
// counts only when configured for the platform that sets it. Without a
// configured secret only non-production instances accept other callers.
func (s *Server) authorized(r *http.Request) bool {
	if s.trustedHeader != "" && r.Header.Get(s.trustedHeader) == s.trustedValue {
		return true
	}

	if s.cronSecret == "" {
		return !s.production
	}

	presented := r.URL.Query().Get("key")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		presented = strings.TrimPrefix(auth, "Bearer ")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cronSecret)) == 1
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.authorized(r) {
		s.logger.Warn("Unauthorized digest trigger", "ip", clientIP(r))
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if s.checkConfig != nil {
		if err := s.checkConfig(); err != nil {
			s.logger.Error("Digest run not configured", "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	requested := strings.TrimSpace(r.URL.Query().Get("testTo"))
	if requested != "" && s.production {
		s.writeError(w, http.StatusBadRequest, digest.ErrTestOverrideInProduction.Error())
		return
	}
	opts := digest.RunOptions{}
	if !s.production {
		opts.TestTo = s.testTo
		if requested != "" {
			opts.TestTo = requested
		}
	}

	// The run outlives a disconnected scheduler so a batch is not cut off mid-send.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.runTimeout)
	defer cancel()

	s.logger.Info("Digest run triggered", "test_to", opts.TestTo)
	report, err := s.runner.Run(ctx, opts)
	switch {
	case errors.Is(err, digest.ErrRunInProgress):
		s.logger.Info("Digest run skipped", "reason", err)
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, digest.ErrTestOverrideInProduction):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("Digest run failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Digest run failed")
		return
	}

	s.writeJSON(w, http.StatusOK, report)
}
