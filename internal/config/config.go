package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Database configuration
	DatabasePath string

	// Strava API configuration (OAuth2 authorization-code flow)
	StravaClientID     string
	StravaClientSecret string

	// Garmin API configuration. The consumer key pair signs legacy OAuth1.0
	// requests; the client id pair is for the OAuth2/PKCE token exchange.
	GarminConsumerKey    string
	GarminConsumerSecret string
	GarminClientID       string
	GarminClientSecret   string

	// Webhook configuration
	WebhookBaseURL string

	// Redirect URI resolution
	ProductionHost    string
	PreviewHostSuffix string
	DevRedirectURI    string
	RedirectPath      string

	// Internal API configuration (reconciliation endpoint)
	InternalAPIKey string

	// Backfill tuning
	BackfillMaxMonths           int
	BackfillChunkMonths         int
	BackfillMaxRetries          int
	BackfillSubmitDelay         time.Duration
	BackfillPendingThreshold    time.Duration
	BackfillInProgressThreshold time.Duration
	BackfillBackoffBase         time.Duration
	BackfillBackoffCap          time.Duration

	// Metrics configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Logging configuration
	LogLevel string
}

// Load reads configuration from environment variables
// It fails fast if required variables are missing
func Load() (*Config, error) {
	cfg := &Config{
		// Optional values with defaults
		Host:         getEnv("HOST", "localhost"),
		Port:         getEnvInt("PORT", 4201),
		DatabasePath: getEnv("DATABASE_PATH", "./data.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		ProductionHost:    getEnv("PRODUCTION_HOST", ""),
		PreviewHostSuffix: getEnv("PREVIEW_HOST_SUFFIX", ""),
		DevRedirectURI:    getEnv("DEV_REDIRECT_URI", "http://localhost:3000/auth/callback"),
		RedirectPath:      getEnv("REDIRECT_PATH", "/auth/callback"),

		BackfillMaxMonths:           getEnvInt("BACKFILL_MAX_MONTHS", 6),
		BackfillChunkMonths:         getEnvInt("BACKFILL_CHUNK_MONTHS", 3),
		BackfillMaxRetries:          getEnvInt("BACKFILL_MAX_RETRIES", 3),
		BackfillSubmitDelay:         getEnvDuration("BACKFILL_SUBMIT_DELAY", 2*time.Second),
		BackfillPendingThreshold:    getEnvDuration("BACKFILL_PENDING_THRESHOLD", time.Hour),
		BackfillInProgressThreshold: getEnvDuration("BACKFILL_IN_PROGRESS_THRESHOLD", 6*time.Hour),
		BackfillBackoffBase:         getEnvDuration("BACKFILL_BACKOFF_BASE", 30*time.Second),
		BackfillBackoffCap:          getEnvDuration("BACKFILL_BACKOFF_CAP", time.Hour),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", false),
		MetricsHost:    getEnv("METRICS_HOST", "localhost"),
		MetricsPort:    getEnvInt("METRICS_PORT", 4202),
	}

	// Required values
	var missingVars []string

	required := []struct {
		name string
		dest *string
	}{
		{"STRAVA_CLIENT_ID", &cfg.StravaClientID},
		{"STRAVA_CLIENT_SECRET", &cfg.StravaClientSecret},
		{"GARMIN_CONSUMER_KEY", &cfg.GarminConsumerKey},
		{"GARMIN_CONSUMER_SECRET", &cfg.GarminConsumerSecret},
		{"GARMIN_CLIENT_ID", &cfg.GarminClientID},
		{"GARMIN_CLIENT_SECRET", &cfg.GarminClientSecret},
		{"WEBHOOK_BASE_URL", &cfg.WebhookBaseURL},
		{"INTERNAL_API_KEY", &cfg.InternalAPIKey},
	}

	for _, v := range required {
		*v.dest = os.Getenv(v.name)
		if *v.dest == "" {
			missingVars = append(missingVars, v.name)
		}
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return cfg, nil
}

// ResolveRedirectURI picks the OAuth redirect URI for the deployment
// environment the request came from. It is a pure function of the request
// origin and the loaded configuration; nothing is read from ambient state.
func (c *Config) ResolveRedirectURI(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return c.DevRedirectURI
	}

	host := u.Hostname()

	switch {
	case c.ProductionHost != "" && host == c.ProductionHost:
		return "https://" + c.ProductionHost + c.RedirectPath
	case c.PreviewHostSuffix != "" && strings.HasSuffix(host, c.PreviewHostSuffix):
		return u.Scheme + "://" + u.Host + c.RedirectPath
	default:
		return c.DevRedirectURI
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvDuration gets a duration environment variable or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
