package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"agentrouter/internal/adapters/config"
	redisclient "agentrouter/internal/adapters/redis"
)

// NewRedisClient connects for an integration test. Keys matching pattern are deleted
// before and after the test; the rest of the database is left alone.
func NewRedisClient(t *testing.T, cfg config.RedisConfig, pattern string) *redis.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrapped, err := redisclient.NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}
	client := wrapped.Client()

	if err := deleteMatching(ctx, client, pattern); err != nil {
		t.Fatalf("failed to clear %q before test: %v", pattern, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = deleteMatching(ctx, client, pattern)
		_ = wrapped.Close()
	})

	return client
}

func deleteMatching(ctx context.Context, client *redis.Client, pattern string) error {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return client.Del(ctx, keys...).Err()
}
