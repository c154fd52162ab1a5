package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	// TokenEncryptionKey is the base64-encoded 32-byte key protecting token
	// columns at rest.
	TokenEncryptionKey string

	Google struct {
		ClientID     string
		ClientSecret string
	}

	Outlook struct {
		ClientID     string
		ClientSecret string
	}

	Timeouts struct {
		TokenExchange time.Duration
		ProviderAPI   time.Duration
		CalDAV        time.Duration
	}

	FetchConcurrency  int
	PrometheusEnabled bool
	TrustedProxies    []string
}

// GoogleEnabled reports whether the Google OAuth app is configured. An
// unconfigured provider is simply absent from the registry.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

func (c *Config) OutlookEnabled() bool {
	return c.Outlook.ClientID != "" && c.Outlook.ClientSecret != ""
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("CALSYNC_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("CALSYNC_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("CALSYNC_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("CALSYNC_DB_HOST")
		name := os.Getenv("CALSYNC_DB_NAME")
		user := os.Getenv("CALSYNC_DB_USER")
		password := os.Getenv("CALSYNC_DB_PASSWORD")
		port := getenvDefault("CALSYNC_DB_PORT", "5432")
		sslmode := getenvDefault("CALSYNC_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.TokenEncryptionKey = os.Getenv("CALSYNC_TOKEN_ENCRYPTION_KEY")

	cfg.Google.ClientID = os.Getenv("CALSYNC_GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("CALSYNC_GOOGLE_CLIENT_SECRET")
	cfg.Outlook.ClientID = os.Getenv("CALSYNC_OUTLOOK_CLIENT_ID")
	cfg.Outlook.ClientSecret = os.Getenv("CALSYNC_OUTLOOK_CLIENT_SECRET")

	var err error
	if cfg.Timeouts.TokenExchange, err = getenvDuration("CALSYNC_TOKEN_EXCHANGE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Timeouts.ProviderAPI, err = getenvDuration("CALSYNC_PROVIDER_API_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Timeouts.CalDAV, err = getenvDuration("CALSYNC_CALDAV_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	cfg.FetchConcurrency = getenvInt("CALSYNC_FETCH_CONCURRENCY", 4)
	cfg.PrometheusEnabled = getenvBool("CALSYNC_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("CALSYNC_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("CALSYNC_DB_DSN is required (or set CALSYNC_DB_HOST, CALSYNC_DB_NAME, CALSYNC_DB_USER, and CALSYNC_DB_PASSWORD)")
	}
	if cfg.TokenEncryptionKey == "" {
		return nil, errors.New("CALSYNC_TOKEN_ENCRYPTION_KEY is required")
	}
	if !cfg.GoogleEnabled() && !cfg.OutlookEnabled() {
		// CalDAV-only deployments are valid; just say so once at startup.
		fmt.Println("WARNING: No OAuth provider configured. Only CalDAV-family integrations will be available.")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No CALSYNC_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
