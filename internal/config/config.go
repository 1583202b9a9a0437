// Package config loads each binary's runtime settings from environment
// variables, failing loudly at startup for anything required and falling
// back to documented defaults for everything else.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a local .env file if present, for development. Each
// cmd/ binary calls this before Load; a missing .env file is not an error.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: no .env file loaded: %v", err)
	}
}

// Config holds the settings shared by every cmd/ binary. Individual
// binaries read only the fields relevant to their role.
type Config struct {
	ServiceName string
	Environment string
	LogLevel    string
	LogOutput   string

	NATSURL        string
	NATSStreamName string
	RedisURL       string
	DatabaseURL    string

	OTLPEndpoint string
	SentryDSN    string

	HealthAddr     string
	GRPCHealthAddr string

	ScannerInterval      time.Duration
	ProcessorConcurrency int
	MaxCandidateTargets  int
	EvalTimeoutMs        int64
	DedupeTTL            time.Duration
	ExprCacheSize        int
	RouterConcurrency    int

	CatalogConfigPath string
}

// Load reads a Config for serviceName from the environment, applying
// defaults for anything unset. NATS_URL and REDIS_URL fail loudly if
// absent; everything else has a documented fallback.
func Load(serviceName string) (Config, error) {
	cfg := Config{
		ServiceName:    serviceName,
		Environment:    envOr("ENVIRONMENT", "development"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogOutput:      envOr("LOG_OUTPUT", "stdout"),
		NATSStreamName: envOr("NATS_STREAM_NAME", "CHAINALERT"),
		RedisURL:       "",
		DatabaseURL:    envOr("DATABASE_URL", ""),
		OTLPEndpoint:   envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SentryDSN:      envOr("SENTRY_DSN", ""),
		HealthAddr:     envOr("HEALTH_ADDR", ":8080"),
		GRPCHealthAddr: envOr("GRPC_HEALTH_ADDR", ":9090"),

		ScannerInterval:      envDurationOr("SCANNER_INTERVAL", 60*time.Second),
		ProcessorConcurrency: envIntOr("PROCESSOR_CONCURRENCY", 5),
		MaxCandidateTargets:  envIntOr("MAX_CANDIDATE_TARGETS", 500),
		EvalTimeoutMs:        envInt64Or("EVAL_TIMEOUT_MS", 5000),
		DedupeTTL:            envDurationOr("DEDUPE_TTL", 24*time.Hour),
		ExprCacheSize:        envIntOr("EXPR_CACHE_SIZE", 1024),
		RouterConcurrency:    envIntOr("ROUTER_CONCURRENCY", 10),

		CatalogConfigPath: envOr("CATALOG_CONFIG_PATH", "catalog.json"),
	}

	var err error
	if cfg.NATSURL, err = envRequired("NATS_URL"); err != nil {
		return Config{}, err
	}
	if cfg.RedisURL, err = envRequired("REDIS_URL"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsDevelopment reports whether this is a non-production environment.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envRequired(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return value, nil
}

func envIntOr(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envInt64Or(key string, fallback int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}
