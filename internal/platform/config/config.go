// Package config builds runtime configuration from environment variables so
// main stays lean. A local .env file is honored in development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration for the resolution service.
type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Matching Matching
	LogLevel string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Postgres configures the identity graph database. An empty DSN selects the
// in-memory store (development and tests).
type Postgres struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	TxTimeout    time.Duration
}

// Redis configures the manual-review queue backend. An empty URL selects the
// in-memory queue.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the merge-event stream. No brokers disables publishing.
type Kafka struct {
	Brokers        []string
	MergeTopic     string
	OutboxInterval time.Duration
}

// Matching holds the decision thresholds and confidence weights.
type Matching struct {
	AutoMergeThreshold    float64
	ManualReviewThreshold float64
	IdentifierWeight      float64
	NameWeight            float64
	MaxRetries            int
	RetryBackoff          time.Duration
}

// FromEnv builds a Config from environment variables, loading .env first if
// present.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Server: Server{
			Addr:            envString("UNIFY_ADDR", ":8080"),
			ShutdownTimeout: envDuration("UNIFY_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Postgres: Postgres{
			DSN:          os.Getenv("UNIFY_POSTGRES_DSN"),
			MaxOpenConns: envInt("UNIFY_POSTGRES_MAX_OPEN", 25),
			MaxIdleConns: envInt("UNIFY_POSTGRES_MAX_IDLE", 5),
			TxTimeout:    envDuration("UNIFY_POSTGRES_TX_TIMEOUT", 5*time.Second),
		},
		Redis: Redis{
			URL:          os.Getenv("UNIFY_REDIS_URL"),
			PoolSize:     envInt("UNIFY_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("UNIFY_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("UNIFY_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("UNIFY_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("UNIFY_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:        envList("UNIFY_KAFKA_BROKERS"),
			MergeTopic:     envString("UNIFY_KAFKA_MERGE_TOPIC", "unify.merges"),
			OutboxInterval: envDuration("UNIFY_KAFKA_OUTBOX_INTERVAL", time.Second),
		},
		Matching: Matching{
			AutoMergeThreshold:    envFloat("UNIFY_AUTO_MERGE_THRESHOLD", 0.80),
			ManualReviewThreshold: envFloat("UNIFY_MANUAL_REVIEW_THRESHOLD", 0.45),
			IdentifierWeight:      envFloat("UNIFY_IDENTIFIER_WEIGHT", 0.6),
			NameWeight:            envFloat("UNIFY_NAME_WEIGHT", 0.4),
			MaxRetries:            envInt("UNIFY_RESOLVE_MAX_RETRIES", 3),
			RetryBackoff:          envDuration("UNIFY_RESOLVE_RETRY_BACKOFF", 50*time.Millisecond),
		},
		LogLevel: envString("UNIFY_LOG_LEVEL", "info"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
