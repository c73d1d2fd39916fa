package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every setting so the host environment cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"APP_ENV", "PORT", "BASE_URL", "DATABASE_DRIVER", "DATABASE_URL",
		"STORAGE_BUCKET", "LOCAL_STORAGE", "EMAIL_PROVIDER", "RESEND_API_KEY",
		"BREVO_API_KEY", "GOOGLE_CREDENTIALS_JSON", "EMAIL_FROM", "EMAIL_FROM_NAME",
		"EMAIL_LINK_SECRET", "SESSION_SECRET", "CRON_SECRET", "TRUSTED_SCHEDULER_HEADER", "EMAIL_TEST_TO", "LOG_LEVEL",
		"DIGEST_LOOKBACK", "DIGEST_SEND_INTERVAL", "DIGEST_LINK_TTL", "DIGEST_RUN_TIMEOUT",
		"DIGEST_LOCK_TTL", "SESSION_MAX_AGE",
	} {
		t.Setenv(name, "")
	}
}

// TestLoadDefaults verifies defaults apply when nothing is set.
func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction() = false, want true by default")
	}
	if cfg.Port != "8080" || cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Port = %q DatabaseDriver = %q", cfg.Port, cfg.DatabaseDriver)
	}
	if cfg.Lookback != 72*time.Hour || cfg.SendInterval != 100*time.Millisecond {
		t.Errorf("Lookback = %v SendInterval = %v", cfg.Lookback, cfg.SendInterval)
	}
	if cfg.LinkTTL != 60*24*time.Hour || cfg.LockTTL != 15*time.Minute {
		t.Errorf("LinkTTL = %v LockTTL = %v", cfg.LinkTTL, cfg.LockTTL)
	}
}

// TestLoadFromEnvironment verifies environment values override defaults.
func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "Development")
	t.Setenv("BASE_URL", "https://trippy.example/")
	t.Setenv("DIGEST_LOOKBACK", "24h")
	t.Setenv("DIGEST_SEND_INTERVAL", "250ms")
	t.Setenv("EMAIL_LINK_SECRET", "link-secret")
	t.Setenv("EMAIL_TEST_TO", "dev@example.com")
	t.Setenv("TRUSTED_SCHEDULER_HEADER", " X-Appengine-Cron: true ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IsProduction() {
		t.Error("IsProduction() = true for development")
	}
	if cfg.BaseURL != "https://trippy.example" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
	if cfg.Lookback != 24*time.Hour || cfg.SendInterval != 250*time.Millisecond {
		t.Errorf("Lookback = %v SendInterval = %v", cfg.Lookback, cfg.SendInterval)
	}
	if cfg.SessionSecret != "link-secret" {
		t.Errorf("SessionSecret = %q, want fallback to EMAIL_LINK_SECRET", cfg.SessionSecret)
	}
	if cfg.EmailTestTo != "dev@example.com" {
		t.Errorf("EmailTestTo = %q", cfg.EmailTestTo)
	}
	if cfg.TrustedHeader != "X-Appengine-Cron: true" {
		t.Errorf("TrustedHeader = %q", cfg.TrustedHeader)
	}
}

// TestLoadRejectsInvalid verifies malformed settings fail with the variable name.
func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown environment", "APP_ENV", "prod"},
		{"non-numeric port", "PORT", "http"},
		{"unknown driver", "DATABASE_DRIVER", "postgres"},
		{"unknown provider", "EMAIL_PROVIDER", "sendgrid"},
		{"bad test address", "EMAIL_TEST_TO", "not-an-email"},
		{"zero lookback", "DIGEST_LOOKBACK", "0s"},
		{"bad base url", "BASE_URL", "trippy.example"},
		{"scheduler header without value", "TRUSTED_SCHEDULER_HEADER", "X-Appengine-Cron"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() with %s=%q succeeded", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want it to name %s", err, tt.key)
			}
		})
	}
}

// TestProvider verifies provider selection order and the development fallback.
func TestProvider(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit wins", Config{EmailProvider: "brevo", ResendAPIKey: "k"}, ProviderBrevo},
		{"resend key", Config{ResendAPIKey: "k", BrevoAPIKey: "k"}, ProviderResend},
		{"brevo key", Config{BrevoAPIKey: "k"}, ProviderBrevo},
		{"gmail credentials", Config{GoogleCredentialsJSON: "{}"}, ProviderGmail},
		{"development fallback", Config{AppEnv: "development"}, ProviderMock},
		{"production without credentials", Config{AppEnv: "production"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Provider(); got != tt.want {
				t.Errorf("Provider() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestCheckDigest verifies the first missing digest setting is reported by name.
func TestCheckDigest(t *testing.T) {
	complete := Config{
		AppEnv:          "production",
		BaseURL:         "https://trippy.example",
		ResendAPIKey:    "re_key",
		EmailFrom:       "digest@trippy.example",
		EmailLinkSecret: "secret",
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"complete", func(*Config) {}, ""},
		{"no transport", func(c *Config) { c.ResendAPIKey = "" }, "RESEND_API_KEY is not set"},
		{"brevo without key", func(c *Config) { c.EmailProvider = "brevo" }, "BREVO_API_KEY is not set"},
		{"no sender", func(c *Config) { c.EmailFrom = "" }, "EMAIL_FROM is not set"},
		{"no link secret", func(c *Config) { c.EmailLinkSecret = "" }, "EMAIL_LINK_SECRET is not set"},
		{"no base url", func(c *Config) { c.BaseURL = "" }, "BASE_URL is not set"},
		{"mock in development", func(c *Config) {
			c.AppEnv = "development"
			c.ResendAPIKey = ""
			c.EmailFrom = ""
			c.BaseURL = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := complete
			tt.mutate(&cfg)

			err := cfg.CheckDigest()
			if tt.want == "" {
				if err != nil {
					t.Errorf("CheckDigest() error = %v, want nil", err)
				}
				return
			}
			if err == nil || err.Error() != tt.want {
				t.Errorf("CheckDigest() error = %v, want %q", err, tt.want)
			}
			if !errors.Is(err, ErrMissingSetting) {
				t.Errorf("CheckDigest() error does not match ErrMissingSetting")
			}
		})
	}
}
