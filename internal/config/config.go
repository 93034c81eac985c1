package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment         string
	HTTPPort            string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	TokenVaultKey       string
	ServiceSecret       string
	OAuthRedirectURL    string
	DefaultReturnURL    string
	PlatformsFile       string
	StateTTL            time.Duration
	RefreshLookahead    time.Duration
	RefreshConcurrency  int
	ProviderTimeout     time.Duration
	TokenExpirySkew     time.Duration
	WebhookReplayWindow time.Duration
	ServiceName         string
	RateLimitRPM        int
	TelemetryEndpoint   string
	TelemetryInsecure   bool
	CORSAllowedOrigins  []string
	CORSAllowedMethods  []string
	CORSAllowedHeaders  []string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	vaultKey := strings.TrimSpace(os.Getenv("TOKEN_VAULT_KEY"))
	if vaultKey == "" {
		return Config{}, fmt.Errorf("TOKEN_VAULT_KEY is required")
	}
	serviceSecret := strings.TrimSpace(os.Getenv("SERVICE_SECRET"))
	if serviceSecret == "" {
		return Config{}, fmt.Errorf("SERVICE_SECRET is required")
	}
	redirectURL := strings.TrimSpace(os.Getenv("OAUTH_REDIRECT_URL"))
	if redirectURL == "" {
		return Config{}, fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}

	cfg := Config{
		Environment:         getEnv("APP_ENV", "development"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
		TokenVaultKey:       vaultKey,
		ServiceSecret:       serviceSecret,
		OAuthRedirectURL:    redirectURL,
		DefaultReturnURL:    getEnv("DEFAULT_RETURN_URL", "/"),
		PlatformsFile:       os.Getenv("PLATFORMS_FILE"),
		StateTTL:            getDuration("AUTH_STATE_TTL", 5*time.Minute),
		RefreshLookahead:    getDuration("REFRESH_LOOKAHEAD", 10*time.Minute),
		RefreshConcurrency:  getInt("REFRESH_CONCURRENCY", 4),
		ProviderTimeout:     getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		TokenExpirySkew:     getDuration("TOKEN_EXPIRY_SKEW", time.Minute),
		WebhookReplayWindow: getDuration("WEBHOOK_REPLAY_WINDOW", 5*time.Minute),
		ServiceName:         getEnv("SERVICE_NAME", "twinsight-connect"),
		RateLimitRPM:        getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:   getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:  getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:  getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:  getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RefreshConcurrency < 1 {
		cfg.RefreshConcurrency = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
