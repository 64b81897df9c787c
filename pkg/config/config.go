package config

import (
	"fmt"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/joho/godotenv"
)

// Environment name constants used in ENVIRONMENT config field.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTesting     = "testing"
)

// Config holds all configuration for the eventhub runtime.
type Config struct {
	// Database — EVENTHUB_DATABASE_URL has no default; an unset value is a
	// configuration error (spec §6/§7), not a fallback to a dev database.
	DatabaseURL string `conf:"required,env:EVENTHUB_DATABASE_URL,noprint"`

	// TimeZone is the business time zone persisted timestamps are computed
	// in before being stored as UTC (see pkg/eventhub/clock.go).
	TimeZone string `conf:"default:Australia/Perth,env:TIME_ZONE"`

	// SelectTimeout bounds how long the Listener blocks waiting for
	// readability on the notification socket before re-checking shutdown.
	SelectTimeout time.Duration `conf:"default:5s,env:SELECT_TIMEOUT"`

	// ProcessMissedEvents controls whether Subscribe backfills events with
	// id greater than the stored watermark.
	ProcessMissedEvents bool `conf:"default:true,env:PROCESS_MISSED_EVENTS"`

	// ProcessingTimeout bounds how long a SubscribedEvent lease is trusted
	// before a peer may steal it.
	ProcessingTimeout time.Duration `conf:"default:1h,env:PROCESSING_TIMEOUT"`

	// ReprocessingInterval paces the Replay Worker's periodic sweep.
	ReprocessingInterval time.Duration `conf:"default:5m,env:REPROCESSING_INTERVAL"`

	// Connection pool
	MaxConnections     int           `conf:"default:3,env:MAX_CONNECTIONS"`
	PoolStaleTimeout   time.Duration `conf:"default:300s,env:POOL_STALE_TIMEOUT"`
	PoolAcquireTimeout time.Duration `conf:"default:5s,env:POOL_ACQUIRE_TIMEOUT"`

	// Application
	LogLevel    string `conf:"default:info,env:LOG_LEVEL"`
	Environment string `conf:"default:development,enum:development|testing|production,env:ENVIRONMENT"`

	// Observability
	ServiceName    string `conf:"default:eventhub,env:SERVICE_NAME"`
	ServiceVersion string `conf:"default:dev,env:SERVICE_VERSION"`
	OtelEndpoint   string `conf:"default:,env:OTEL_ENDPOINT"`
	SentryDSN      string `conf:"default:,env:SENTRY_DSN,noprint"`
}

// Load reads configuration from environment variables with sensible defaults.
// An optional .env file at the process root is honored.
func Load() (*Config, error) {
	var cfg Config
	_ = godotenv.Load()
	if _, err := conf.Parse("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, err := time.LoadLocation(cfg.TimeZone); err != nil {
		return nil, fmt.Errorf("invalid TIME_ZONE %q: %w", cfg.TimeZone, err)
	}
	return &cfg, nil
}

// ValidateForProduction enforces safety requirements when ENVIRONMENT=production.
// No-ops for non-production environments.
func ValidateForProduction(cfg *Config) error {
	if cfg.Environment != EnvProduction {
		return nil
	}
	if cfg.LogLevel == "debug" {
		return fmt.Errorf("production config validation failed: LOG_LEVEL must not be 'debug' in production (may leak sensitive data)")
	}
	return nil
}
