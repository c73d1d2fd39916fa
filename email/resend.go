package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const resendEndpoint = "https://api.resend.com/emails"

// ResendProvider sends emails via the Resend API.
type ResendProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	from     string
	endpoint string
}

// NewResendProvider creates a new Resend email provider. from may include a
// display name, e.g. "Trippy <digest@example.com>".
func NewResendProvider(apiKey, from string, logger *slog.Logger) *ResendProvider {
	return &ResendProvider{
		apiKey:   apiKey,
		from:     from,
		endpoint: resendEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type resendSendRequest struct {
	From    string   `json:"from"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	To      []string `json:"to"`
}

type resendSendResponse struct {
	ID string `json:"id"`
}

// Send sends an email via Resend API.
func (r *ResendProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	jsonData, err := json.Marshal(resendSendRequest{
		From:    r.from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+r.apiKey)

			resp, err := r.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				r.logger.Warn("Resend API request failed",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					r.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if err := checkResponse("resend", resp); err != nil {
				r.logger.Warn("Resend API returned non-2xx status",
					"status_code", resp.StatusCode,
					"to", to)
				return err
			}

			var out resendSendResponse
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				r.logger.Debug("Could not decode Resend response", "error", err)
			}

			r.logger.Info("Resend API request completed",
				"to", to,
				"message_id", out.ID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Info("Retrying Resend email send after error", "attempt", n, "error", err)
		}),
	)
}
