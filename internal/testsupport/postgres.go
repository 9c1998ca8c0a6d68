package testsupport

import (
	"context"
	"fmt"
	"testing"

	"github.com/jmoiron/sqlx"

	"agentrouter/internal/adapters/config"
	"agentrouter/internal/adapters/postgres"
)

// PostgresTestHelper runs a test inside one transaction bound to a throwaway schema.
// Audit tables created by the test land in that schema and vanish on rollback,
// so tests never touch tables a running service owns.
type PostgresTestHelper struct {
	client     *postgres.Client
	tx         *sqlx.Tx
	schema     string
	rolledBack bool
}

// NewPostgresTestHelper connects, begins the transaction and points search_path at a fresh schema
func NewPostgresTestHelper(t *testing.T, cfg config.PostgresConfig) *PostgresTestHelper {
	t.Helper()

	ctx := context.Background()
	client, err := postgres.NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	tx, err := client.DB().BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to start transaction: %v", err)
	}

	schema := fmt.Sprintf("agentrouter_test_%d", NextSequence())
	for _, stmt := range []string{
		"CREATE SCHEMA " + schema,
		"SET LOCAL search_path TO " + schema,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			t.Fatalf("failed to prepare test schema: %v", err)
		}
	}

	h := &PostgresTestHelper{client: client, tx: tx, schema: schema}
	t.Cleanup(h.Rollback)
	return h
}

// NewTestPostgres creates a helper from POSTGRES_* variables, skipping when they are unset
func NewTestPostgres(t *testing.T) *PostgresTestHelper {
	t.Helper()
	return NewPostgresTestHelper(t, LoadPostgresConfigFromEnv(t))
}

func (h *PostgresTestHelper) Tx() *sqlx.Tx { return h.tx }

// DB is a handle outside the test transaction, for asserting what survived it
func (h *PostgresTestHelper) DB() *sqlx.DB { return h.client.DB() }

// Schema is the per-test schema name
func (h *PostgresTestHelper) Schema() string { return h.schema }

// Rollback discards everything the test wrote. Safe to call more than once.
func (h *PostgresTestHelper) Rollback() {
	if h.rolledBack {
		return
	}
	_ = h.tx.Rollback()
	h.rolledBack = true
}
