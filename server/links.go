package server

import (
	"errors"
	"html/template"
	"net/http"
	"strings"

	"trippy-notifier/database"
)

// safeRedirectPath returns p if it is a same-origin absolute path. Protocol
// relative and backslash forms are rejected since browsers treat them as hosts.
func safeRedirectPath(p string) (string, bool) {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") {
		return "", false
	}
	for _, c := range p {
		if c == '\\' || c < 0x20 || c == 0x7f {
			return "", false
		}
	}
	return p, true
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "Missing token")
		return
	}

	payload, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.Info("Rejected email link", "error", err, "ip", ip)
		s.writeError(w, http.StatusBadRequest, "Invalid or expired token")
		return
	}

	if err := s.sessions.Issue(w, payload.ScopeID, payload.SubjectID); err != nil {
		s.logger.Error("Failed to issue session", "group_id", payload.ScopeID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Could not sign in")
		return
	}

	target, ok := safeRedirectPath(r.URL.Query().Get("redirect"))
	if !ok {
		target = "/"
	}
	s.logger.Info("Email link followed", "group_id", payload.ScopeID, "member_id", payload.SubjectID)
	http.Redirect(w, r, target, http.StatusFound)
}

type unsubscribeResponse struct {
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Redirect *string `json:"redirect"`
}

const invalidLinkMessage = "Invalid or expired link."

// confirmPage asks for a click before unsubscribing, so mail scanners that
// prefetch the link change nothing.
var confirmPage = template.Must(template.New("unsubscribe").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Unsubscribe</title></head>
<body>
<p>Stop receiving digest emails for this group?</p>
<form method="post" action="/unsubscribe">
<input type="hidden" name="token" value="{{.Token}}">
{{- if .Redirect}}
<input type="hidden" name="redirect" value="{{.Redirect}}">
{{- end}}
<button type="submit">Unsubscribe</button>
</form>
</body>
</html>
`))

type confirmData struct {
	Token    string
	Redirect string
}

// handleUnsubscribe turns off digest emails on POST. GET only renders the
// confirmation form for the same token and redirect.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	// FormValue reads the query string and, for POST, the form body.
	raw := strings.TrimSpace(r.FormValue("token"))
	if raw == "" {
		s.writeJSON(w, http.StatusBadRequest, unsubscribeResponse{Error: invalidLinkMessage})
		return
	}

	payload, err := s.tokens.Verify(raw)
	if err != nil {
		s.logger.Info("Rejected unsubscribe link", "error", err, "ip", ip)
		s.writeJSON(w, http.StatusBadRequest, unsubscribeResponse{Error: invalidLinkMessage})
		return
	}

	redirect, hasRedirect := safeRedirectPath(r.FormValue("redirect"))

	if r.Method == http.MethodGet {
		data := confirmData{Token: raw}
		if hasRedirect {
			data.Redirect = redirect
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		if err := confirmPage.Execute(w, data); err != nil {
			s.logger.Error("Failed to render template", "template", "unsubscribe", "error", err)
		}
		return
	}

	if err := s.members.Unsubscribe(r.Context(), payload.SubjectID, s.now().UTC()); err != nil {
		if errors.Is(err, database.ErrMemberNotFound) {
			s.logger.Info("Unsubscribe for unknown member", "member_id", payload.SubjectID)
			s.writeJSON(w, http.StatusBadRequest, unsubscribeResponse{Error: invalidLinkMessage})
			return
		}
		s.logger.Error("Failed to unsubscribe member", "member_id", payload.SubjectID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, unsubscribeResponse{Error: "Could not update your preferences. Please try again."})
		return
	}

	if err := s.sessions.Issue(w, payload.ScopeID, payload.SubjectID); err != nil {
		// The unsubscribe itself succeeded.
		s.logger.Warn("Failed to issue session after unsubscribe", "group_id", payload.ScopeID, "error", err)
	}

	resp := unsubscribeResponse{OK: true}
	if hasRedirect {
		resp.Redirect = &redirect
	}
	s.logger.Info("Member unsubscribed", "group_id", payload.ScopeID, "member_id", payload.SubjectID)
	s.writeJSON(w, http.StatusOK, resp)
}
