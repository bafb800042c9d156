package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates all process configuration. It is loaded once in main and
// passed explicitly into constructors; nothing reads the environment during
// request handling.
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Rules      RulesConfig
	Downstream DownstreamConfig
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr           string
	JWTSigningKey  string
	RequestTimeout time.Duration
}

// PostgresConfig selects the durable vault store. An empty URL falls back to
// the in-memory store (local development and tests).
type PostgresConfig struct {
	URL string
}

// RedisConfig configures the published-sequence cache for the downstream
// publisher. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the change feed. Empty brokers disable the feed
// relay and downstream consumer.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	Group      string
	Partitions int32
}

// RulesConfig locates publisher rules and key material.
type RulesConfig struct {
	// RulesPath is a local JSON file holding the publisher rule table.
	RulesPath string
	// KeysPath is a local JSON file mapping publisher names to PEM keys.
	KeysPath string
	// WellKnownURL, when set, overrides KeysPath with a remote document.
	WellKnownURL string
}

// DownstreamConfig describes one propagation target.
type DownstreamConfig struct {
	Name         string
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	MaxAttempts  int
	Backoff      time.Duration
}

// FromEnv builds the full configuration from environment variables so main
// stays lean.
func FromEnv() Config {
	return Config{
		Server: ServerConfig{
			Addr:           envOr("IDVAULT_ADDR", ":8080"),
			JWTSigningKey:  os.Getenv("IDVAULT_JWT_SIGNING_KEY"),
			RequestTimeout: envDuration("IDVAULT_REQUEST_TIMEOUT", 30*time.Second),
		},
		Postgres: PostgresConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    splitNonEmpty(os.Getenv("KAFKA_BROKERS")),
			Topic:      envOr("KAFKA_CHANGE_TOPIC", "vault.profile.changes"),
			Group:      envOr("KAFKA_CONSUMER_GROUP", "idvault-downstream"),
			Partitions: int32(envInt("KAFKA_CHANGE_PARTITIONS", 6)),
		},
		Rules: RulesConfig{
			RulesPath:    envOr("IDVAULT_RULES_PATH", "well-known/publisher-rules.json"),
			KeysPath:     envOr("IDVAULT_KEYS_PATH", "well-known/publisher-keys.json"),
			WellKnownURL: os.Getenv("IDVAULT_WELL_KNOWN_URL"),
		},
		Downstream: DownstreamConfig{
			Name:         envOr("DOWNSTREAM_NAME", "dinopark"),
			BaseURL:      os.Getenv("DOWNSTREAM_BASE_URL"),
			TokenURL:     os.Getenv("DOWNSTREAM_TOKEN_URL"),
			ClientID:     os.Getenv("DOWNSTREAM_CLIENT_ID"),
			ClientSecret: os.Getenv("DOWNSTREAM_CLIENT_SECRET"),
			Audience:     os.Getenv("DOWNSTREAM_AUDIENCE"),
			MaxAttempts:  envInt("DOWNSTREAM_MAX_ATTEMPTS", 5),
			Backoff:      envDuration("DOWNSTREAM_BACKOFF", 500*time.Millisecond),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
