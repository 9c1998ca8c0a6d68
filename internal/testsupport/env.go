package testsupport

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"agentrouter/internal/adapters/config"
)

// Integration tests are skipped in -short mode and when their backend is not configured.

func requireEnv(t *testing.T, keys ...string) {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	missing := make([]string, 0)
	for _, key := range keys {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		t.Skipf("integration environment missing, set %v to run", missing)
	}
}

// LoadPostgresConfigFromEnv reads the Postgres section for integration tests
func LoadPostgresConfigFromEnv(t *testing.T) config.PostgresConfig {
	t.Helper()
	requireEnv(t, "POSTGRES_HOST", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB")

	return config.PostgresConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     intValue("POSTGRES_PORT", 5432),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  valueWithDefault("POSTGRES_SSL_MODE", "disable"),
		MaxConns: 10,
	}
}

// LoadClickHouseConfigFromEnv reads the ClickHouse section for integration tests
func LoadClickHouseConfigFromEnv(t *testing.T) config.ClickHouseConfig {
	t.Helper()
	requireEnv(t, "CLICKHOUSE_HOST", "CLICKHOUSE_DB")

	return config.ClickHouseConfig{
		Host:      os.Getenv("CLICKHOUSE_HOST"),
		Port:      intValue("CLICKHOUSE_PORT", 9000),
		User:      valueWithDefault("CLICKHOUSE_USER", "default"),
		Password:  os.Getenv("CLICKHOUSE_PASSWORD"),
		Database:  os.Getenv("CLICKHOUSE_DB"),
		BatchSize: 10,
	}
}

// LoadRedisConfigFromEnv reads the Redis section for integration tests
func LoadRedisConfigFromEnv(t *testing.T) config.RedisConfig {
	t.Helper()
	requireEnv(t, "REDIS_HOST")

	return config.RedisConfig{
		Host:     os.Getenv("REDIS_HOST"),
		Port:     intValue("REDIS_PORT", 6379),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intValue("REDIS_DB", 0),
		PoolSize: 4,
	}
}

// LoadKafkaConfigFromEnv reads broker addresses for integration tests
func LoadKafkaConfigFromEnv(t *testing.T) config.KafkaConfig {
	t.Helper()
	requireEnv(t, "KAFKA_BROKERS")

	return config.KafkaConfig{
		Brokers:      strings.Split(os.Getenv("KAFKA_BROKERS"), ","),
		WriteTimeout: 5 * time.Second,
	}
}

func valueWithDefault(key string, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func intValue(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		_, err := fmt.Sscanf(val, "%d", &parsed)
		if err == nil {
			return parsed
		}
	}

	return fallback
}
