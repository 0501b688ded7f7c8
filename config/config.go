package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string `validate:"required"`

	// Settings store and API key cache
	RedisAddr string `validate:"required"`

	// Audit sink
	AuditSink string `validate:"oneof=postgres nats"` // default: "postgres"
	NATSURL   string `validate:"required_if=AuditSink nats"`

	// Observability
	OTELExporterType     string `validate:"oneof=stdout otlp none"` // default: "stdout"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string // default: "info"

	// Rate Limiting
	DefaultRateLimitTPM int64 `validate:"gt=0"` // tokens per minute, default: 100000

	// Path to the provider/feature document
	AIConfigPath string // default: "ai.yaml"
}

var validate = validator.New()

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AuditSink:            getEnv("AUDIT_SINK", "postgres"),
		NATSURL:              os.Getenv("NATS_URL"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		AIConfigPath:         getEnv("AI_CONFIG_PATH", "ai.yaml"),
	}

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
