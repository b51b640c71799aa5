package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FromEnv builds a Config from environment variables, starting from Default.
// A .env file in the working directory is loaded first if present. Variables:
//
//	TELEMETRY_APP_ID                (required)
//	TELEMETRY_ENDPOINT
//	TELEMETRY_BEARER_TOKEN
//	TELEMETRY_SESSION_TIMEOUT       (Go duration, e.g. "30m")
//	TELEMETRY_FLUSH_INTERVAL
//	TELEMETRY_BATCH_SIZE
//	TELEMETRY_MAX_QUEUE_SIZE
//	TELEMETRY_CONSENT_TTL
//	TELEMETRY_MAX_SEND_ATTEMPTS
//	TELEMETRY_MAX_DELIVERY_ATTEMPTS
//	TELEMETRY_REQUEST_TIMEOUT
//	TELEMETRY_RULE_SYNC_INTERVAL    ("0" disables)
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	cfg.AppID = strings.TrimSpace(os.Getenv("TELEMETRY_APP_ID"))
	if cfg.AppID == "" {
		return Config{}, fmt.Errorf("missing required env var: TELEMETRY_APP_ID")
	}

	cfg.Endpoint = strings.TrimRight(getEnv("TELEMETRY_ENDPOINT", ""), "/")
	cfg.BearerToken = getEnv("TELEMETRY_BEARER_TOKEN", "")

	cfg.SessionTimeout = getDuration("TELEMETRY_SESSION_TIMEOUT", cfg.SessionTimeout)
	cfg.FlushInterval = getDuration("TELEMETRY_FLUSH_INTERVAL", cfg.FlushInterval)
	cfg.BatchSize = getInt("TELEMETRY_BATCH_SIZE", cfg.BatchSize)
	cfg.MaxQueueSize = getInt("TELEMETRY_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.ConsentTTL = getDuration("TELEMETRY_CONSENT_TTL", cfg.ConsentTTL)
	cfg.MaxSendAttempts = getInt("TELEMETRY_MAX_SEND_ATTEMPTS", cfg.MaxSendAttempts)
	cfg.MaxDeliveryAttempts = getInt("TELEMETRY_MAX_DELIVERY_ATTEMPTS", cfg.MaxDeliveryAttempts)
	cfg.RequestTimeout = getDuration("TELEMETRY_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RuleSyncInterval = getDuration("TELEMETRY_RULE_SYNC_INTERVAL", cfg.RuleSyncInterval)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n := def
	_, _ = fmt.Sscanf(v, "%d", &n)
	if n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
