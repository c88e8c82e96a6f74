package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	JWTSecret         string
	RailWebhookSecret string
	RailBaseURL       string
	RailAPIKey        string
	BillerBaseURL     string
	BillerAPIKey      string

	EscrowCancelWindow time.Duration
	EscrowTTL          time.Duration
	IdempotencyTTL     time.Duration
	SweepInterval      time.Duration
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	webhookSecret := os.Getenv("RAIL_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return nil, fmt.Errorf("RAIL_WEBHOOK_SECRET environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	railBase := os.Getenv("RAIL_BASE_URL")
	if railBase == "" {
		railBase = "https://api.rail.example.com"
	}

	billerBase := os.Getenv("BILLER_BASE_URL")
	if billerBase == "" {
		billerBase = "https://api.biller.example.com"
	}

	return &Config{
		DBSource:           dbSource,
		Port:               port,
		Env:                env,
		JWTSecret:          jwtSecret,
		RailWebhookSecret:  webhookSecret,
		RailBaseURL:        railBase,
		RailAPIKey:         os.Getenv("RAIL_API_KEY"),
		BillerBaseURL:      billerBase,
		BillerAPIKey:       os.Getenv("BILLER_API_KEY"),
		EscrowCancelWindow: durationEnv("ESCROW_CANCEL_WINDOW", time.Hour),
		EscrowTTL:          durationEnv("ESCROW_TTL", 7*24*time.Hour),
		IdempotencyTTL:     durationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		SweepInterval:      durationEnv("SWEEP_INTERVAL", 5*time.Minute),
	}, nil
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
