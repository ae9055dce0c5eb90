package config

import (
	"os"
	"strings"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	LogFile     string
	Environment string
	// DatabaseURL selects the Postgres event store. Empty runs lite mode on SQLite.
	DatabaseURL string
	// DataDir holds the lite mode SQLite file.
	DataDir string
	// EventBackend forces the event log backend: memory, sqlite or postgres.
	// Empty picks postgres when DatabaseURL is set and sqlite otherwise.
	EventBackend string
	// RedisAddr selects Redis link and limiter stores. Empty keeps them in memory.
	RedisAddr     string
	RedisPassword string
	LinkHost      string
	LinkSecret    string
	JWTSecret     string
	OTelEnabled   bool
	OTelEndpoint  string
	PolicyFile    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          env("PORT", "8080"),
		LogLevel:      env("LOG_LEVEL", "INFO"),
		LogFile:       os.Getenv("LOG_FILE"),
		Environment:   env("ENVIRONMENT", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       env("DATA_DIR", "data"),
		EventBackend:  strings.ToLower(os.Getenv("EVENT_BACKEND")),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		LinkHost:      env("LINK_HOST", "learn.example.com"),
		LinkSecret:    os.Getenv("LINK_SIGNING_SECRET"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		OTelEnabled:   strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		OTelEndpoint:  env("OTEL_ENDPOINT", "localhost:4317"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
	}
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
