package testsupport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseHelper_CountsSessionRows(t *testing.T) {
	helper := NewClickHouseTestHelper(t, LoadClickHouseConfigFromEnv(t))
	table := helper.CreateScratchTable(t, "session_id String, sequence UInt64")
	ctx := context.Background()

	session := UniqueSessionID()
	require.NoError(t, helper.Client().Exec(ctx, "INSERT INTO "+table+" (session_id, sequence) VALUES (?, 1), (?, 2), ('other', 1)", session, session))

	n, err := helper.CountSessionRows(ctx, table, session)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}
