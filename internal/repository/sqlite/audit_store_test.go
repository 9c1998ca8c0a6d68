package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sqliteclient "agentrouter/internal/adapters/sqlite"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
)

func newStore(t *testing.T, path string) *AuditStore {
	t.Helper()
	client, err := sqliteclient.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewAuditStore(context.Background(), client.DB())
	require.NoError(t, err)
	return store
}

func decision(id, session string, at time.Time) *routing.Decision {
	return &routing.Decision{
		ID:               id,
		SessionID:        session,
		Role:             "bull",
		TaskType:         "bull",
		Complexity:       "medium",
		SelectedModel:    "m1",
		SelectedProvider: "openai",
		Candidates:       []routing.Candidate{{ModelID: "m1", Provider: "openai", Position: 1, Score: 0.7}},
		Rationale:        routing.Rationale{Dominant: routing.FactorSpeed},
		CostEstimate:     decimal.RequireFromString("0.0030"),
		ActualCost:       decimal.RequireFromString("0.0021"),
		TokensIn:         12,
		TokensOut:        7,
		Outcome:          routing.OutcomeRetried,
		CreatedAt:        at,
	}
}

func TestAuditStore_RoutingDecisions(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, sqliteclient.MemoryPath)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.AppendRoutingDecision(ctx, decision("d-2", "s-1", now.Add(time.Second))))
	require.NoError(t, store.AppendRoutingDecision(ctx, decision("d-1", "s-1", now)))
	require.NoError(t, store.AppendRoutingDecision(ctx, decision("d-1", "s-1", now)))
	require.NoError(t, store.AppendRoutingDecision(ctx, decision("d-3", "s-2", now)))

	got, err := store.RoutingDecisions(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d-1", got[0].ID)
	assert.Equal(t, "d-2", got[1].ID)
	assert.Equal(t, routing.OutcomeRetried, got[0].Outcome)
	assert.True(t, decimal.RequireFromString("0.0021").Equal(got[0].ActualCost))
	assert.Equal(t, now, got[0].CreatedAt)
	require.Len(t, got[0].Candidates, 1)
	assert.Equal(t, routing.FactorSpeed, got[0].Rationale.Dominant)

	all, err := store.RoutingDecisions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAuditStore_CollaborationEvents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, sqliteclient.MemoryPath)

	for _, seq := range []int{3, 1, 2, 1} {
		require.NoError(t, store.AppendCollaborationEvent(ctx, "s-1", &collaboration.Event{
			SessionID: "s-1",
			Sequence:  seq,
			Kind:      collaboration.EventInteraction,
			Stage:     collaboration.StageDebate,
			Status:    collaboration.StatusActive,
			Interaction: &collaboration.Interaction{
				Step:   seq,
				Role:   "bear",
				Action: collaboration.ActionResult,
			},
			Timestamp: time.Now(),
		}))
	}

	events, err := store.CollaborationEvents(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Sequence)
		assert.Equal(t, collaboration.StageDebate, e.Stage)
	}

	none, err := store.CollaborationEvents(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditStore_ProfilesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "router.db")
	key := model_profile.Key{ModelID: "m1", Provider: "openai", TaskType: "news"}

	first := newStore(t, path)
	p := &model_profile.Profile{
		Key:               key,
		PerformanceScore:  0.6,
		CostPerToken:      decimal.RequireFromString("0.0000025"),
		AvgResponseTimeMs: 950,
		SuccessRate:       0.5,
		Samples:           2,
		LastUpdated:       time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, first.UpsertModelProfile(ctx, key, p))
	p.SuccessRate = 0.75
	p.Samples = 3
	require.NoError(t, first.UpsertModelProfile(ctx, key, p))

	second := newStore(t, path)
	profiles, err := second.ListModelProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, key, profiles[0].Key)
	assert.Equal(t, 0.75, profiles[0].SuccessRate)
	assert.Equal(t, int64(3), profiles[0].Samples)
	assert.True(t, p.CostPerToken.Equal(profiles[0].CostPerToken))
	assert.Equal(t, p.LastUpdated, profiles[0].LastUpdated)
}
