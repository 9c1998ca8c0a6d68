package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/testsupport"
	"agentrouter/pkg/errors"
)

func TestRedisLedger_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	cfg := testsupport.LoadRedisConfigFromEnv(t)
	rdb := testsupport.NewRedisClient(t, cfg, keyPrefix+"*")
	ctx := context.Background()
	l := NewRedisLedger(rdb, time.Minute)

	require.NoError(t, l.Open(ctx, "s1", d("0.02")))
	granted := 0
	for i := 0; i < 5; i++ {
		r, err := l.Reserve(ctx, "s1", d("0.01"))
		if err != nil {
			require.True(t, errors.Is(err, errors.ErrBudgetExceeded))
			continue
		}
		granted++
		require.NoError(t, l.Settle(ctx, r, d("0.01")))
	}
	assert.Equal(t, 2, granted)

	u, err := l.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, u.Exhausted)
	assert.True(t, u.Spent.Equal(d("0.02")))
	assert.True(t, u.Reserved.IsZero())

	_, err = l.Reserve(ctx, "missing", d("0.01"))
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	require.NoError(t, l.Close(ctx, "s1"))
	_, err = l.Usage(ctx, "s1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}
