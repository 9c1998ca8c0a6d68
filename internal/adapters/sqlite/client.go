package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"agentrouter/pkg/errors"
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

// Client wraps an embedded SQLite database
type Client struct {
	db *sqlx.DB
}

// Open opens or creates the database file, enabling WAL and a busy timeout
func Open(path string) (*Client, error) {
	if path == "" {
		return nil, errors.NewValidationError("SQLITE_PATH", "is required", path)
	}
	if path != MemoryPath && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create sqlite directory for %s", path)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	// SQLite allows one writer; a single connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "sqlite %s", p)
		}
	}

	return &Client{db: db}, nil
}

// DB returns the underlying handle
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Close closes the database
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks the database answers
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
