package testsupport

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresHelper_SchemaDisappearsOnRollback(t *testing.T) {
	helper := NewTestPostgres(t)
	tx := helper.Tx()

	_, err := tx.Exec("CREATE TABLE routing_decisions(decision_id TEXT PRIMARY KEY)")
	require.NoError(t, err, "unqualified tables land in the test schema")
	_, err = tx.Exec("INSERT INTO routing_decisions(decision_id) VALUES('d-1')")
	require.NoError(t, err)

	var schema string
	require.NoError(t, tx.QueryRow("SELECT table_schema FROM information_schema.tables WHERE table_name = 'routing_decisions' AND table_schema = current_schema()").Scan(&schema))
	assert.Equal(t, helper.Schema(), schema)

	helper.Rollback()

	var exists sql.NullString
	err = helper.DB().QueryRowContext(context.Background(), "SELECT to_regnamespace($1)::text", helper.Schema()).Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists.Valid, "schema should not survive the rollback")
}
