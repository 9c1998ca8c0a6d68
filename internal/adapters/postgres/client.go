package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"agentrouter/internal/adapters/config"
	"agentrouter/pkg/errors"
)

const defaultMaxConns = 10

// Client owns the sqlx pool behind the postgres audit store and profile store
type Client struct {
	db *sqlx.DB
}

// NewClient opens the pool and verifies the server answers before ctx expires.
// Audit writes are short single-row inserts, so half the pool stays idle-ready.
func NewClient(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "postgres dsn: %v", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(errors.ErrUnavailable, "postgres %s:%d/%s: %v", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return &Client{db: db}, nil
}

func (c *Client) DB() *sqlx.DB {
	return c.db
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Stats reports pool usage for the health endpoint
func (c *Client) Stats() map[string]any {
	s := c.db.Stats()
	return map[string]any{
		"open":       s.OpenConnections,
		"in_use":     s.InUse,
		"idle":       s.Idle,
		"wait_count": s.WaitCount,
	}
}
