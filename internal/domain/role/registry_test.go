package role

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/pkg/errors"
)

func newsHunter() *AgentRole {
	return &AgentRole{
		Name:      "news_hunter",
		Type:      TypeAnalyst,
		Preferred: []ModelRef{{ModelID: "m1", Provider: "openai"}},
		Fallback:  []ModelRef{{ModelID: "m2", Provider: "deepseek"}},
		Tiers:     map[Complexity]string{ComplexityLow: "m2", ComplexityHigh: "m1"},
		Weights:   Weights{Speed: 0.3, Cost: 0.3, Accuracy: 0.4},
	}
}

func TestAgentRole_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *AgentRole)
		wantErr bool
	}{
		{name: "valid", mutate: func(r *AgentRole) {}},
		{name: "unknown type", mutate: func(r *AgentRole) { r.Type = "oracle" }, wantErr: true},
		{name: "negative weight", mutate: func(r *AgentRole) { r.Weights = Weights{Speed: -0.1, Cost: 0.6, Accuracy: 0.5} }, wantErr: true},
		{name: "weight above one", mutate: func(r *AgentRole) { r.Weights = Weights{Speed: 1.2, Cost: 0, Accuracy: 0} }, wantErr: true},
		{name: "weights do not sum to one", mutate: func(r *AgentRole) { r.Weights = Weights{Speed: 0.3, Cost: 0.3, Accuracy: 0.3} }, wantErr: true},
		{name: "unknown tier", mutate: func(r *AgentRole) { r.Tiers["extreme"] = "m1" }, wantErr: true},
		{name: "no models", mutate: func(r *AgentRole) { r.Preferred, r.Fallback, r.Tiers = nil, nil, nil }, wantErr: true},
		{name: "missing provider", mutate: func(r *AgentRole) { r.Fallback = []ModelRef{{ModelID: "m3"}} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newsHunter()
			tt.mutate(r)
			err := r.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration), "validation failures are configuration errors")
		})
	}
}

func TestRegistry_GetUnknownRole(t *testing.T) {
	reg, err := NewRegistry([]*AgentRole{newsHunter()})
	require.NoError(t, err)

	_, err = reg.Get("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownRole))
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]*AgentRole{newsHunter(), newsHunter()})
	require.Error(t, err)
}

func TestRegistry_SwapIsAtomic(t *testing.T) {
	reg, err := NewRegistry([]*AgentRole{newsHunter()})
	require.NoError(t, err)

	before := reg.Snapshot()
	assert.Equal(t, int64(1), before.Version())

	updated := newsHunter()
	updated.Weights = Weights{Speed: 1, Cost: 0, Accuracy: 0}
	require.NoError(t, reg.Swap([]*AgentRole{updated}))

	// Readers holding the old snapshot keep seeing the old weights
	old, ok := before.Get("news_hunter")
	require.True(t, ok)
	assert.Equal(t, 0.4, old.Weights.Accuracy)

	current, err := reg.Get("news_hunter")
	require.NoError(t, err)
	assert.Equal(t, 1.0, current.Weights.Speed)
	assert.Equal(t, int64(2), reg.Snapshot().Version())

	// An invalid swap keeps the current snapshot
	broken := newsHunter()
	broken.Type = "oracle"
	require.Error(t, reg.Swap([]*AgentRole{broken}))
	assert.Equal(t, int64(2), reg.Snapshot().Version())
}

func TestRegistry_SnapshotIsolatedFromCaller(t *testing.T) {
	r := newsHunter()
	reg, err := NewRegistry([]*AgentRole{r})
	require.NoError(t, err)

	r.Preferred[0].ModelID = "mutated"

	got, err := reg.Get("news_hunter")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Preferred[0].ModelID)
}

func TestRegistry_ConcurrentReadsDuringSwap(t *testing.T) {
	reg, err := NewRegistry([]*AgentRole{newsHunter()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := reg.Get("news_hunter")
				assert.NoError(t, err)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, reg.Swap([]*AgentRole{newsHunter()}))
	}
	wg.Wait()
}

func TestAgentRole_ProviderFor(t *testing.T) {
	r := newsHunter()

	p, ok := r.ProviderFor("m2")
	require.True(t, ok)
	assert.Equal(t, "deepseek", p)

	_, ok = r.ProviderFor("m9")
	assert.False(t, ok)
}
