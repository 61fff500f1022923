// Package config loads server configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port            int           `env:"PORT"                  envDefault:"8080"`
	PublicURL       string        `env:"PUBLIC_URL"`
	DBPath          string        `env:"DB_PATH"               envDefault:"data/linelink.db"`
	UsersCollection string        `env:"USERS_COLLECTION"      envDefault:"users"`
	StoreTimeout    time.Duration `env:"STORE_REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL"             envDefault:"info"`
	OtelEndpoint    string        `env:"OTEL_ENDPOINT"`

	// JWTSecret signs the session cookie. Sign-in is disabled when empty.
	JWTSecret    string        `env:"JWT_SECRET"`
	SessionTTL   time.Duration `env:"SESSION_TTL"   envDefault:"24h"`
	CookieSecure bool          `env:"COOKIE_SECURE" envDefault:"false"`
	AdminEmails  []string      `env:"ADMIN_EMAILS"  envSeparator:","`

	GitHub OAuthClient `envPrefix:"GITHUB_"`
	Amazon OAuthClient `envPrefix:"AMAZON_"`
	Alexa  Alexa       `envPrefix:"ALEXA_"`
}

// OAuthClient holds credentials for one external identity provider.
type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	CallbackURL  string `env:"CALLBACK_URL"`
}

// Enabled reports whether the provider is fully configured.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Alexa configures the skill account-linking endpoint.
type Alexa struct {
	LinkingEnabled bool     `env:"LINKING_ENABLED" envDefault:"true"`
	ClientID       string   `env:"CLIENT_ID"`
	RedirectURLs   []string `env:"REDIRECT_URLS"   envSeparator:","`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.PublicURL == "" {
		c.PublicURL = fmt.Sprintf("http://localhost:%d", c.Port)
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("PUBLIC_URL must be a valid absolute URL")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.StoreTimeout <= 0 {
		return errors.New("STORE_REQUEST_TIMEOUT must be positive")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 16 {
		return errors.New("JWT_SECRET must be at least 16 characters")
	}

	c.AdminEmails = trimCSV(c.AdminEmails)
	c.Alexa.RedirectURLs = trimCSV(c.Alexa.RedirectURLs)
	for _, raw := range c.Alexa.RedirectURLs {
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() {
			return fmt.Errorf("ALEXA_REDIRECT_URLS entry %q is not an absolute URL", raw)
		}
	}

	if c.GitHub.CallbackURL == "" {
		c.GitHub.CallbackURL = c.PublicURL + "/auth/github/callback"
	}
	if c.Amazon.CallbackURL == "" {
		c.Amazon.CallbackURL = c.PublicURL + "/auth/amazon/callback"
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
