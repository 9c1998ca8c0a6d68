package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agentrouter/internal/adapters/clickhouse"
	"agentrouter/internal/adapters/config"
)

// ClickHouseTestHelper gives integration tests a client and session-scoped cleanup.
// Audit tables are shared with the running service, so tests delete their own rows
// instead of dropping tables.
type ClickHouseTestHelper struct {
	client *clickhouse.Client
}

// NewClickHouseTestHelper connects using cfg and closes the client when the test ends
func NewClickHouseTestHelper(t *testing.T, cfg config.ClickHouseConfig) *ClickHouseTestHelper {
	t.Helper()

	client, err := clickhouse.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to clickhouse: %v", err)
	}

	t.Cleanup(func() { _ = client.Close() })
	return &ClickHouseTestHelper{client: client}
}

// Client exposes the raw client for queries
func (h *ClickHouseTestHelper) Client() *clickhouse.Client {
	return h.client
}

// CountSessionRows counts the rows a session wrote to an audit table.
// FINAL collapses ReplacingMergeTree duplicates that are not merged yet.
func (h *ClickHouseTestHelper) CountSessionRows(ctx context.Context, table, sessionID string) (uint64, error) {
	var n uint64
	query := fmt.Sprintf("SELECT count() FROM %s FINAL WHERE session_id = ?", table)
	if err := h.client.Conn().QueryRow(ctx, query, sessionID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RegisterSessionCleanup deletes a session's rows from the given tables once the test completes
func (h *ClickHouseTestHelper) RegisterSessionCleanup(t *testing.T, sessionID string, tables ...string) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for _, table := range tables {
			query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE session_id = ?", table)
			_ = h.client.Exec(ctx, query, sessionID)
		}
	})
}

// CreateScratchTable creates a MergeTree table that is dropped when the test ends
func (h *ClickHouseTestHelper) CreateScratchTable(t *testing.T, columns string) string {
	t.Helper()

	table := UniqueName("scratch")
	query := fmt.Sprintf("CREATE TABLE %s (%s) ENGINE = MergeTree() ORDER BY tuple()", table, columns)
	if err := h.client.Exec(context.Background(), query); err != nil {
		t.Fatalf("failed to create clickhouse table: %v", err)
	}

	t.Cleanup(func() {
		_ = h.client.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
	})
	return table
}
