// README: Config loader with env defaults for HTTP, storage, sync, tracking and verification settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type SyncConfig struct {
	PollIdle          time.Duration
	PollActive        time.Duration
	OutboxInterval    time.Duration
	OutboxMaxAttempts int
	OutboxBaseBackoff time.Duration
	OutboxMaxBackoff  time.Duration
	OutboxBatchSize   int
}

type TrackingConfig struct {
	VisibilityTick      time.Duration
	PickupRadiusM       float64
	DestinationRadiusM  float64
	ProximityThresholds []float64
	ETARefresh          time.Duration
}

type VerifyConfig struct {
	MaxFailures int
	Cooldown    time.Duration
}

type Config struct {
	Env string
	HTTP struct {
		Addr            string
		ShutdownTimeout time.Duration
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
		DatabaseURL     string
	}
	Maps struct {
		APIKey string
	}
	Payments struct {
		WebhookSecret string
	}
	Location *time.Location
	Sync     SyncConfig
	Tracking TrackingConfig
	Verify   VerifyConfig
	LogLevel string
}

// Load reads configuration from the environment. When ESCORT_ENV is "local" a .env file
// in the working directory is loaded first; its absence is not an error.
func Load() (Config, error) {
	if envOrDefault("ESCORT_ENV", "local") == "local" {
		_ = godotenv.Load()
	}

	var cfg Config
	var errs []error

	cfg.Env = envOrDefault("ESCORT_ENV", "local")
	cfg.HTTP.Addr = envOrDefault("ESCORT_HTTP_ADDR", ":8080")
	cfg.HTTP.ShutdownTimeout = envOrDefaultDuration("ESCORT_HTTP_SHUTDOWN_TIMEOUT", 15*time.Second, &errs)
	cfg.DB.DSN = os.Getenv("ESCORT_DB_DSN")
	cfg.Redis.Addr = os.Getenv("ESCORT_REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("ESCORT_REDIS_PASSWORD")
	cfg.Firebase.ProjectID = os.Getenv("ESCORT_FIREBASE_PROJECT_ID")
	cfg.Firebase.CredentialsFile = os.Getenv("ESCORT_FIREBASE_CREDENTIALS")
	cfg.Firebase.DatabaseURL = os.Getenv("ESCORT_FIREBASE_DB_URL")
	cfg.Maps.APIKey = os.Getenv("ESCORT_MAPS_API_KEY")
	cfg.Payments.WebhookSecret = os.Getenv("ESCORT_PAYMENT_WEBHOOK_SECRET")
	cfg.LogLevel = strings.ToLower(envOrDefault("ESCORT_LOG_LEVEL", "info"))

	tz := envOrDefault("ESCORT_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid ESCORT_TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.Location = loc

	cfg.Sync.PollIdle = envOrDefaultDuration("ESCORT_POLL_IDLE", 30*time.Second, &errs)
	cfg.Sync.PollActive = envOrDefaultDuration("ESCORT_POLL_ACTIVE", 10*time.Second, &errs)
	cfg.Sync.OutboxInterval = envOrDefaultDuration("ESCORT_OUTBOX_INTERVAL", 2*time.Second, &errs)
	cfg.Sync.OutboxMaxAttempts = envOrDefaultInt("ESCORT_OUTBOX_MAX_ATTEMPTS", 8)
	cfg.Sync.OutboxBaseBackoff = envOrDefaultDuration("ESCORT_OUTBOX_BASE_BACKOFF", 500*time.Millisecond, &errs)
	cfg.Sync.OutboxMaxBackoff = envOrDefaultDuration("ESCORT_OUTBOX_MAX_BACKOFF", time.Minute, &errs)
	cfg.Sync.OutboxBatchSize = envOrDefaultInt("ESCORT_OUTBOX_BATCH", 100)

	cfg.Tracking.VisibilityTick = envOrDefaultDuration("ESCORT_VISIBILITY_TICK", 15*time.Second, &errs)
	cfg.Tracking.PickupRadiusM = envOrDefaultFloat("ESCORT_PICKUP_RADIUS_M", 100)
	cfg.Tracking.DestinationRadiusM = envOrDefaultFloat("ESCORT_DESTINATION_RADIUS_M", 150)
	cfg.Tracking.ETARefresh = envOrDefaultDuration("ESCORT_ETA_REFRESH", time.Minute, &errs)
	thresholds, err := parseThresholds(envOrDefault("ESCORT_PROXIMITY_THRESHOLDS_M", "500,200,100"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Tracking.ProximityThresholds = thresholds

	cfg.Verify.MaxFailures = envOrDefaultInt("ESCORT_VERIFY_MAX_FAILURES", 5)
	cfg.Verify.Cooldown = envOrDefaultDuration("ESCORT_VERIFY_COOLDOWN", 15*time.Minute, &errs)

	if cfg.Sync.PollActive > cfg.Sync.PollIdle {
		errs = append(errs, errors.New("ESCORT_POLL_ACTIVE must not exceed ESCORT_POLL_IDLE"))
	}
	if cfg.Sync.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("ESCORT_OUTBOX_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Verify.MaxFailures <= 0 {
		errs = append(errs, errors.New("ESCORT_VERIFY_MAX_FAILURES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

// parseThresholds parses a comma separated list of meters and returns it sorted descending.
func parseThresholds(v string) ([]float64, error) {
	var out []float64
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid ESCORT_PROXIMITY_THRESHOLDS_M entry %q", raw)
		}
		out = append(out, f)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out, nil
}
