package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	ListenAddr  string
	APIKeys     []string
	CORSOrigins []string
	// RateLimit is the per-IP requests per second allowed on job writes, manual
	// publish and sweep. 0 disables it.
	RateLimit int

	DBDriver    string
	DBPath      string
	DatabaseURL string

	IGUserID      string
	IGAccessToken string
	GraphAPIBase  string
	RemoteRPS     int

	MediaServerURL string

	SweepSchedule        string
	BatchSize            int
	PollInterval         time.Duration
	StaleProcessingAfter time.Duration
	Location             *time.Location

	WebhookURL          string
	WebhookAllowPrivate bool

	MetricsEnabled bool
	OTelExporter   string
	OTelEndpoint   string
	LogLevel       slog.Level
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DBDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DBPath
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("REELSCHED_LISTEN_ADDR", ":8080"),
		DBDriver:       getEnv("REELSCHED_DB_DRIVER", "sqlite"),
		DBPath:         getEnv("REELSCHED_DB_PATH", "reelsched.db"),
		DatabaseURL:    getEnv("REELSCHED_DATABASE_URL", ""),
		IGUserID:       getEnv("REELSCHED_IG_USER_ID", ""),
		IGAccessToken:  getEnv("REELSCHED_IG_ACCESS_TOKEN", ""),
		GraphAPIBase:   getEnv("REELSCHED_GRAPH_API_BASE", "https://graph.facebook.com/v20.0"),
		MediaServerURL: getEnv("REELSCHED_MEDIA_SERVER_URL", ""),
		SweepSchedule:  getEnv("REELSCHED_SWEEP_SCHEDULE", "* * * * *"),
		WebhookURL:     getEnv("REELSCHED_WEBHOOK_URL", ""),
		OTelExporter:   strings.ToLower(getEnv("REELSCHED_OTEL_EXPORTER", "none")),
		OTelEndpoint:   getEnv("REELSCHED_OTEL_ENDPOINT", ""),
	}

	cfg.APIKeys = splitList(getEnv("REELSCHED_API_KEYS", ""))
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("REELSCHED_API_KEYS must not be empty")
	}
	cfg.CORSOrigins = splitList(getEnv("REELSCHED_CORS_ORIGINS", ""))

	if cfg.IGUserID == "" || cfg.IGAccessToken == "" {
		return nil, errors.New("REELSCHED_IG_USER_ID and REELSCHED_IG_ACCESS_TOKEN are required")
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("REELSCHED_DATABASE_URL is required when REELSCHED_DB_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("REELSCHED_DB_DRIVER %q must be one of: sqlite, postgres", cfg.DBDriver)
	}

	var err error
	if cfg.RateLimit, err = getEnvInt("REELSCHED_RATE_LIMIT", 0); err != nil {
		return nil, fmt.Errorf("REELSCHED_RATE_LIMIT: %w", err)
	}
	if cfg.RateLimit < 0 {
		return nil, errors.New("REELSCHED_RATE_LIMIT must be >= 0")
	}

	if cfg.RemoteRPS, err = getEnvInt("REELSCHED_REMOTE_RPS", 2); err != nil {
		return nil, fmt.Errorf("REELSCHED_REMOTE_RPS: %w", err)
	}
	if cfg.RemoteRPS < 0 {
		return nil, errors.New("REELSCHED_REMOTE_RPS must be >= 0")
	}

	if cfg.BatchSize, err = getEnvInt("REELSCHED_BATCH_SIZE", 5); err != nil {
		return nil, fmt.Errorf("REELSCHED_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("REELSCHED_BATCH_SIZE must be > 0")
	}

	if cfg.PollInterval, err = getEnvDuration("REELSCHED_POLL_INTERVAL", 3*time.Second); err != nil {
		return nil, fmt.Errorf("REELSCHED_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("REELSCHED_POLL_INTERVAL must be > 0")
	}

	if cfg.StaleProcessingAfter, err = getEnvDuration("REELSCHED_STALE_PROCESSING_AFTER", 0); err != nil {
		return nil, fmt.Errorf("REELSCHED_STALE_PROCESSING_AFTER: %w", err)
	}
	if cfg.StaleProcessingAfter < 0 {
		return nil, errors.New("REELSCHED_STALE_PROCESSING_AFTER must be >= 0")
	}

	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		return nil, fmt.Errorf("REELSCHED_SWEEP_SCHEDULE %q: %w", cfg.SweepSchedule, err)
	}

	if cfg.Location, err = time.LoadLocation(getEnv("REELSCHED_TIMEZONE", "UTC")); err != nil {
		return nil, fmt.Errorf("REELSCHED_TIMEZONE: %w", err)
	}

	if cfg.WebhookAllowPrivate, err = getEnvBool("REELSCHED_WEBHOOK_ALLOW_PRIVATE", false); err != nil {
		return nil, fmt.Errorf("REELSCHED_WEBHOOK_ALLOW_PRIVATE: %w", err)
	}
	if cfg.MetricsEnabled, err = getEnvBool("REELSCHED_METRICS_ENABLED", false); err != nil {
		return nil, fmt.Errorf("REELSCHED_METRICS_ENABLED: %w", err)
	}

	switch cfg.OTelExporter {
	case "none", "stdout", "otlphttp":
	default:
		return nil, fmt.Errorf("REELSCHED_OTEL_EXPORTER %q must be one of: none, stdout, otlphttp", cfg.OTelExporter)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("REELSCHED_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("REELSCHED_LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}
