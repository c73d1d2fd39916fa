// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrMissingSetting is matched by errors reporting an unset required setting.
var ErrMissingSetting = errors.New("missing setting")

// MissingSettingError names the unset environment variable.
type MissingSettingError struct {
	Name string
}

func (e *MissingSettingError) Error() string {
	return e.Name + " is not set"
}

// Is reports whether target is ErrMissingSetting.
func (e *MissingSettingError) Is(target error) bool {
	return target == ErrMissingSetting
}

func missing(name string) error {
	return &MissingSettingError{Name: name}
}

// Email provider names.
const (
	ProviderResend = "resend"
	ProviderBrevo  = "brevo"
	ProviderGmail  = "gmail"
	ProviderMock   = "mock"
)

// Config holds every runtime setting. Field tags name the environment variable.
type Config struct {
	AppEnv                string        `env:"APP_ENV" validate:"required,oneof=production staging development test"`
	Port                  string        `env:"PORT" validate:"required,numeric"`
	BaseURL               string        `env:"BASE_URL" validate:"omitempty,http_url"`
	DatabaseDriver        string        `env:"DATABASE_DRIVER" validate:"required,oneof=sqlite mysql"`
	DatabaseURL           string        `env:"DATABASE_URL" validate:"required"`
	StorageBucket         string        `env:"STORAGE_BUCKET"`
	LocalStorage          string        `env:"LOCAL_STORAGE"`
	EmailProvider         string        `env:"EMAIL_PROVIDER" validate:"omitempty,oneof=resend brevo gmail mock"`
	ResendAPIKey          string        `env:"RESEND_API_KEY"`
	BrevoAPIKey           string        `env:"BREVO_API_KEY"`
	GoogleCredentialsJSON string        `env:"GOOGLE_CREDENTIALS_JSON"`
	EmailFrom             string        `env:"EMAIL_FROM"`
	EmailFromName         string        `env:"EMAIL_FROM_NAME"`
	EmailLinkSecret       string        `env:"EMAIL_LINK_SECRET"`
	SessionSecret         string        `env:"SESSION_SECRET"`
	CronSecret            string        `env:"CRON_SECRET"`
	TrustedHeader         string        `env:"TRUSTED_SCHEDULER_HEADER" validate:"omitempty,contains=:"`
	EmailTestTo           string        `env:"EMAIL_TEST_TO" validate:"omitempty,email"`
	LogLevel              string        `env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Lookback              time.Duration `env:"DIGEST_LOOKBACK" validate:"gt=0"`
	SendInterval          time.Duration `env:"DIGEST_SEND_INTERVAL" validate:"gte=0"`
	LinkTTL               time.Duration `env:"DIGEST_LINK_TTL" validate:"gt=0"`
	RunTimeout            time.Duration `env:"DIGEST_RUN_TIMEOUT" validate:"gt=0"`
	LockTTL               time.Duration `env:"DIGEST_LOCK_TTL" validate:"gt=0"`
	SessionMaxAge         time.Duration `env:"SESSION_MAX_AGE" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "./data/trippy.db")
	v.SetDefault("EMAIL_FROM_NAME", "Trippy")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DIGEST_LOOKBACK", 72*time.Hour)
	v.SetDefault("DIGEST_SEND_INTERVAL", 100*time.Millisecond)
	v.SetDefault("DIGEST_LINK_TTL", 60*24*time.Hour)
	v.SetDefault("DIGEST_RUN_TIMEOUT", 10*time.Minute)
	v.SetDefault("DIGEST_LOCK_TTL", 15*time.Minute)
	v.SetDefault("SESSION_MAX_AGE", 30*24*time.Hour)
}

// Load reads a .env file if present, then the environment. Environment
// variables already set take precedence over .env entries.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AppEnv:                strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV"))),
		Port:                  v.GetString("PORT"),
		BaseURL:               strings.TrimRight(v.GetString("BASE_URL"), "/"),
		DatabaseDriver:        strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		StorageBucket:         v.GetString("STORAGE_BUCKET"),
		LocalStorage:          v.GetString("LOCAL_STORAGE"),
		EmailProvider:         strings.ToLower(v.GetString("EMAIL_PROVIDER")),
		ResendAPIKey:          v.GetString("RESEND_API_KEY"),
		BrevoAPIKey:           v.GetString("BREVO_API_KEY"),
		GoogleCredentialsJSON: v.GetString("GOOGLE_CREDENTIALS_JSON"),
		EmailFrom:             v.GetString("EMAIL_FROM"),
		EmailFromName:         v.GetString("EMAIL_FROM_NAME"),
		EmailLinkSecret:       v.GetString("EMAIL_LINK_SECRET"),
		SessionSecret:         v.GetString("SESSION_SECRET"),
		CronSecret:            v.GetString("CRON_SECRET"),
		TrustedHeader:         strings.TrimSpace(v.GetString("TRUSTED_SCHEDULER_HEADER")),
		EmailTestTo:           strings.TrimSpace(v.GetString("EMAIL_TEST_TO")),
		LogLevel:              strings.ToLower(v.GetString("LOG_LEVEL")),
		Lookback:              v.GetDuration("DIGEST_LOOKBACK"),
		SendInterval:          v.GetDuration("DIGEST_SEND_INTERVAL"),
		LinkTTL:               v.GetDuration("DIGEST_LINK_TTL"),
		RunTimeout:            v.GetDuration("DIGEST_RUN_TIMEOUT"),
		LockTTL:               v.GetDuration("DIGEST_LOCK_TTL"),
		SessionMaxAge:         v.GetDuration("SESSION_MAX_AGE"),
	}

	if cfg.SessionSecret == "" {
		cfg.SessionSecret = cfg.EmailLinkSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by environment variable name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks setting formats. Settings that only the digest run needs
// are checked separately by CheckDigest so the server can still start.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			msgs = append(msgs, missing(fe.Field()).Error())
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// IsProduction reports whether the service runs in production. Anything but
// an explicit non-production APP_ENV counts as production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "" || c.AppEnv == "production"
}

// Provider returns the email provider to use. Without an explicit
// EMAIL_PROVIDER the first configured credential wins; outside production the
// mock provider is the fallback.
func (c *Config) Provider() string {
	if c.EmailProvider != "" {
		return c.EmailProvider
	}
	switch {
	case c.ResendAPIKey != "":
		return ProviderResend
	case c.BrevoAPIKey != "":
		return ProviderBrevo
	case c.GoogleCredentialsJSON != "":
		return ProviderGmail
	case !c.IsProduction():
		return ProviderMock
	}
	return ""
}

// CheckDigest reports the first setting a digest run needs that is unset.
func (c *Config) CheckDigest() error {
	switch c.Provider() {
	case ProviderResend:
		if c.ResendAPIKey == "" {
			return missing("RESEND_API_KEY")
		}
	case ProviderBrevo:
		if c.BrevoAPIKey == "" {
			return missing("BREVO_API_KEY")
		}
	case ProviderGmail, ProviderMock:
	default:
		return missing("RESEND_API_KEY")
	}

	if c.Provider() != ProviderGmail && c.Provider() != ProviderMock && c.EmailFrom == "" {
		return missing("EMAIL_FROM")
	}
	if c.EmailLinkSecret == "" {
		return missing("EMAIL_LINK_SECRET")
	}
	if c.BaseURL == "" && c.IsProduction() {
		return missing("BASE_URL")
	}
	return nil
}
