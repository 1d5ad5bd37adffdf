package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from environment
// variables with an optional .env file for local development.
type Config struct {
	Environment string
	Port        string
	LogLevel    slog.Level

	DatabaseURL string
	RedisURL    string

	Kafka   KafkaConfig
	Casdoor CasdoorConfig
	Session SessionConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type CasdoorConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Cert         string
	Organization string
	Application  string
}

// SessionConfig tunes the realtime session layer and the deadline sweeper.
type SessionConfig struct {
	// HeartbeatTimeout is how long without a heartbeat before a client
	// counts as disconnected.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often expired attempts are auto-submitted.
	SweepInterval time.Duration
	// RapidChangeWindow flags answers changed more than RapidChangeLimit
	// times inside this window.
	RapidChangeWindow time.Duration
	RapidChangeLimit  int
	// AttemptCooldown is reserved for a future cooldown between attempts.
	// It is read but not enforced anywhere yet.
	AttemptCooldown time.Duration
}

// LoadConfig reads the environment. A missing .env file is not an error.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    parseLogLevel(getEnv("LOG_LEVEL", "info")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		Kafka: KafkaConfig{
			Brokers: splitNonEmpty(getEnv("KAFKA_BROKERS", "")),
			Topic:   getEnv("KAFKA_TOPIC", "attempt-events"),
		},
		Casdoor: CasdoorConfig{
			Endpoint:     getEnv("CASDOOR_ENDPOINT", ""),
			ClientID:     getEnv("CASDOOR_CLIENT_ID", ""),
			ClientSecret: getEnv("CASDOOR_CLIENT_SECRET", ""),
			Cert:         getEnv("CASDOOR_CERT", ""),
			Organization: getEnv("CASDOOR_ORGANIZATION", ""),
			Application:  getEnv("CASDOOR_APPLICATION", ""),
		},
		Session: SessionConfig{
			HeartbeatTimeout:  getEnvDuration("SESSION_HEARTBEAT_TIMEOUT", 45*time.Second),
			SweepInterval:     getEnvDuration("SESSION_SWEEP_INTERVAL", 15*time.Second),
			RapidChangeWindow: getEnvDuration("SESSION_RAPID_CHANGE_WINDOW", 10*time.Second),
			RapidChangeLimit:  getEnvInt("SESSION_RAPID_CHANGE_LIMIT", 5),
			AttemptCooldown:   getEnvDuration("ATTEMPT_COOLDOWN", 0),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
