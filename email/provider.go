// Package email composes group digest emails and delivers them via multiple providers.
package email

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// APIError is a non-2xx response from an HTTP email API.
type APIError struct {
	Provider   string
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// checkResponse converts a non-2xx response into an *APIError. Client errors
// other than 429 are wrapped as unrecoverable so retry.Do gives up at once.
func checkResponse(provider string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	apiErr := &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	if !apiErr.Temporary() {
		return retry.Unrecoverable(apiErr)
	}
	return apiErr
}
