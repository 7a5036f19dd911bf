// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Provider names accepted in MAIL_PROVIDER
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant is only used by Microsoft.
	Tenant string
}

type Config struct {
	Environment string
	LogLevel    string
	HTTPAddr    string
	DataDir     string

	// EncryptionKey is the vault master key. Required.
	EncryptionKey string

	Provider       string
	MailboxScope   string
	MailboxAddress string
	FromName       string
	Google         OAuthConfig
	Microsoft      OAuthConfig

	PubSubTopic     string
	PushAudience    string
	AdminJWKSURL    string
	AdminJWTSecret  string
	AuthServerURL   string
	NATSURL         string
	SentryDSN       string
	ClearLabels     []string
	PollInterval    time.Duration
	SyncCallTimeout time.Duration
}

// DBPath is the SQLite database location under DataDir
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "outreach.db")
}

// Load reads .env (if present) and the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DataDir:       getEnv("DATA_DIR", "data"),
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		Provider:       strings.ToLower(getEnv("MAIL_PROVIDER", ProviderGmail)),
		MailboxScope:   getEnv("MAILBOX_SCOPE", "team"),
		MailboxAddress: strings.ToLower(getEnv("MAILBOX_ADDRESS", "")),
		FromName:       getEnv("MAILBOX_FROM_NAME", ""),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		},
		Microsoft: OAuthConfig{
			ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
			ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			Tenant:       getEnv("MICROSOFT_TENANT", "common"),
		},

		PubSubTopic:     getEnv("GMAIL_PUBSUB_TOPIC", ""),
		PushAudience:    getEnv("PUSH_AUDIENCE", ""),
		AdminJWKSURL:    getEnv("ADMIN_JWKS_URL", ""),
		AdminJWTSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		AuthServerURL:   getEnv("AUTH_SERVER_URL", ""),
		NATSURL:         getEnv("NATS_URL", ""),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		ClearLabels:     getEnvAsList("CLEAR_LABELS", []string{"UNREAD"}),
		PollInterval:    getEnvAsDuration("POLL_INTERVAL", 60*time.Second),
		SyncCallTimeout: getEnvAsDuration("SYNC_CALL_TIMEOUT", 30*time.Second),
	}

	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch cfg.Provider {
	case ProviderGmail, ProviderOutlook:
	default:
		return nil, fmt.Errorf("MAIL_PROVIDER must be %q or %q, got %q", ProviderGmail, ProviderOutlook, cfg.Provider)
	}
	// Push notifications are routed by address and Outlook reads this
	// mailbox by address, so neither provider can sync without it.
	if cfg.MailboxAddress == "" {
		return nil, fmt.Errorf("MAILBOX_ADDRESS is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL must be positive")
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	// bare numbers are seconds
	if n, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if strings.EqualFold(strings.TrimSpace(valueStr), "none") {
		return []string{}
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, strings.ToUpper(v))
		}
	}
	return out
}
