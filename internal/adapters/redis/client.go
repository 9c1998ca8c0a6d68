package redis

import (
	"context"

	"github.com/redis/go-redis/v9"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

// Client holds the connection pool shared by every budget ledger operation
type Client struct {
	rdb  *redis.Client
	addr string
}

// NewClient connects to Redis and fails unless it answers PING before ctx expires
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.NewValidationError("REDIS_HOST", "is required", cfg.Host)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ClientName:  "agentrouter",
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(errors.ErrUnavailable, "ping redis %s: %v", cfg.Addr(), err)
	}

	return &Client{rdb: rdb, addr: cfg.Addr()}, nil
}

func (c *Client) Client() *redis.Client {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrapf(errors.ErrUnavailable, "redis %s: %v", c.addr, err)
	}
	return nil
}

// Stats reports pool usage for the health endpoint
func (c *Client) Stats() map[string]any {
	s := c.rdb.PoolStats()
	return map[string]any{
		"total_conns": s.TotalConns,
		"idle_conns":  s.IdleConns,
		"timeouts":    s.Timeouts,
		"misses":      s.Misses,
	}
}
