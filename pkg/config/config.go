// Package config loads daemon configuration from environment variables.
package config

import (
	"os"
	"time"
)

// Config holds workflowd configuration.
type Config struct {
	LogLevel    string
	DatabaseURL string
	// LiteMode runs on embedded SQLite instead of Postgres. Single-instance
	// deployments and local development only.
	LiteMode    bool
	Migrate     bool
	ServicesDir string
	RedisAddr   string
	TokenSecret string

	SweepInterval  time.Duration
	VerifyInterval time.Duration
	PostingsTTL    time.Duration

	TelemetryEnabled bool
	OTLPEndpoint     string
}

// Load reads configuration from environment variables, with development
// defaults.
func Load() *Config {
	return &Config{
		LogLevel:    envString("LOG_LEVEL", "INFO"),
		DatabaseURL: envString("DATABASE_URL", "postgres://workflow@localhost:5432/workflow?sslmode=disable"),
		LiteMode:    os.Getenv("LITE_MODE") == "true",
		Migrate:     os.Getenv("MIGRATE") != "false",
		ServicesDir: envString("SERVICES_DIR", "services"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		TokenSecret: envString("TOKEN_SECRET", "dev-only-secret"),

		SweepInterval:  envDuration("SLA_SWEEP_INTERVAL", 15*time.Minute),
		VerifyInterval: envDuration("CHAIN_VERIFY_INTERVAL", 6*time.Hour),
		PostingsTTL:    envDuration("POSTINGS_TTL", 5*time.Minute),

		TelemetryEnabled: os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:     envString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
