package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

// Client is the native-protocol connection the audit batch writers flush through
type Client struct {
	conn     driver.Conn
	database string
}

// NewClient opens an LZ4-compressed connection and pings it before ctx expires.
// Batch writers hold one connection each while flushing, so the pool stays small.
func NewClient(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    maxConns,
		MaxIdleConns:    maxConns,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUnavailable, "open clickhouse: %v", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(errors.ErrUnavailable, "clickhouse %s:%d/%s: %v", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return &Client{conn: conn, database: cfg.Database}, nil
}

func (c *Client) Conn() driver.Conn {
	return c.conn
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec runs DDL and cleanup statements that return no rows
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	if err := c.conn.Exec(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "clickhouse %s", c.database)
	}
	return nil
}

// Stats reports pool usage for the health endpoint
func (c *Client) Stats() map[string]any {
	s := c.conn.Stats()
	return map[string]any{
		"open":           s.Open,
		"idle":           s.Idle,
		"max_open_conns": s.MaxOpenConns,
	}
}
