package dispatch

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/adapters/ai"
	"agentrouter/internal/breaker"
	"agentrouter/internal/budget"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/internal/router"
	"agentrouter/internal/testsupport"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

type memoryRecorder struct {
	mu        sync.Mutex
	decisions []*routing.Decision
	profiles  map[model_profile.Key]model_profile.Profile
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{profiles: make(map[model_profile.Key]model_profile.Profile)}
}

func (m *memoryRecorder) AppendRoutingDecision(_ context.Context, d *routing.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memoryRecorder) UpsertModelProfile(_ context.Context, key model_profile.Key, p *model_profile.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[key] = *p
	return nil
}

func (m *memoryRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.decisions)
}

type harness struct {
	dispatcher *Dispatcher
	invoker    *testsupport.ScriptedInvoker
	breakers   *breaker.Set[*ai.Completion]
	profiles   *model_profile.Registry
	ledger     *budget.MemoryLedger
	recorder   *memoryRecorder
}

func analyst() *role.AgentRole {
	return &role.AgentRole{
		Name:      "market_analyst",
		Type:      role.TypeAnalyst,
		Preferred: []role.ModelRef{{ModelID: "m1", Provider: "openai"}},
		Fallback:  []role.ModelRef{{ModelID: "m2", Provider: "deepseek"}},
		Weights:   role.Weights{Speed: 0, Cost: 0, Accuracy: 1},
	}
}

func newHarness(t *testing.T, cfg Config, breakerThreshold uint32) *harness {
	t.Helper()

	roles, err := role.NewRegistry([]*role.AgentRole{analyst()})
	require.NoError(t, err)

	profiles := model_profile.NewRegistry(model_profile.DefaultConfig())
	profiles.Put(model_profile.Profile{
		Key:               model_profile.Key{ModelID: "m1", Provider: "openai", TaskType: "analysis"},
		PerformanceScore:  0.9,
		CostPerToken:      decimal.RequireFromString("0.00001"),
		AvgResponseTimeMs: 800,
		SuccessRate:       1,
		LastUpdated:       time.Now(),
	})
	profiles.Put(model_profile.Profile{
		Key:               model_profile.Key{ModelID: "m2", Provider: "deepseek", TaskType: "analysis"},
		PerformanceScore:  0.6,
		CostPerToken:      decimal.RequireFromString("0.000002"),
		AvgResponseTimeMs: 400,
		SuccessRate:       1,
		LastUpdated:       time.Now(),
	})

	breakers := breaker.NewSet[*ai.Completion](breaker.Config{Threshold: breakerThreshold, Cooldown: time.Hour}, logger.Nop())
	selector := router.NewSelector(roles, profiles, breakers, logger.Nop())
	invoker := testsupport.NewScriptedInvoker()
	ledger := budget.NewMemoryLedger()
	recorder := newMemoryRecorder()

	return &harness{
		dispatcher: NewDispatcher(cfg, selector, invoker, breakers, profiles, ledger, recorder, logger.Nop()),
		invoker:    invoker,
		breakers:   breakers,
		profiles:   profiles,
		ledger:     ledger,
		recorder:   recorder,
	}
}

func request(sessionID string) Request {
	return Request{
		SessionID:       sessionID,
		Role:            "market_analyst",
		TaskType:        "analysis",
		Complexity:      role.ComplexityMedium,
		Prompt:          "abcd",
		MaxOutputTokens: 99,
	}
}

func TestDispatch_FirstCandidateSucceeds(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 1}, 5)
	h.invoker.Script("m1", testsupport.Step{Text: "bullish", TokensIn: 1, TokensOut: 9})

	res, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-ok"))
	require.NoError(t, err)

	assert.Equal(t, "bullish", res.Text)
	assert.Equal(t, "m1", res.Model)
	assert.Equal(t, dec.ID, res.DecisionID)
	assert.True(t, res.Cost.Equal(decimal.RequireFromString("0.0001")))

	assert.Equal(t, routing.OutcomeSuccess, dec.Outcome)
	assert.Equal(t, routing.FactorAccuracy, dec.Rationale.Dominant)
	assert.Len(t, dec.Rationale.Attempts, 1)
	assert.Len(t, dec.Candidates, 2)
	assert.Equal(t, 1, h.recorder.count())
	assert.InDelta(t, 0.9, dec.ConfidenceScore, 1e-9)

	usage, err := h.ledger.Usage(context.Background(), "s-ok")
	require.NoError(t, err)
	assert.True(t, usage.Spent.Equal(res.Cost))
	assert.True(t, usage.Reserved.IsZero())
}

func TestDispatch_TimeoutFailsOverToNextCandidate(t *testing.T) {
	h := newHarness(t, Config{AttemptTimeout: 30 * time.Millisecond, RetriesPerCandidate: 0}, 5)
	h.invoker.Script("m1", testsupport.Step{Block: true})
	h.invoker.Script("m2", testsupport.Step{Text: "from m2"})

	res, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-failover"))
	require.NoError(t, err)

	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, routing.OutcomeFailedOver, dec.Outcome)
	require.Len(t, dec.Rationale.Attempts, 2)
	assert.Equal(t, ai.KindTimeout, dec.Rationale.Attempts[0].ErrorKind)
	assert.Empty(t, dec.Rationale.Attempts[1].Error)

	// The timeout counts against m1's reliability
	p, ok := h.profiles.Get(model_profile.Key{ModelID: "m1", Provider: "openai", TaskType: "analysis"})
	require.True(t, ok)
	assert.Less(t, p.SuccessRate, 1.0)
	assert.Contains(t, h.recorder.profiles, p.Key)
}

func TestDispatch_DefaultConfigFailsOverOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg, 5)
	h.invoker.Script("m1", testsupport.Step{Block: true}, testsupport.Step{Text: "from m1"})
	h.invoker.Script("m2", testsupport.Step{Text: "from m2"})

	res, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-default-failover"))
	require.NoError(t, err)

	assert.Equal(t, "m2", res.Model)
	assert.Equal(t, "m2", dec.SelectedModel)
	assert.Equal(t, routing.OutcomeFailedOver, dec.Outcome)
	assert.Equal(t, 1, h.invoker.CallsFor("m1"))
	assert.Equal(t, 1, h.invoker.CallsFor("m2"))
}

func TestDispatch_TransientErrorRetriesSameCandidate(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 1}, 5)
	h.invoker.Script("m1",
		testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusServiceUnavailable, "overloaded")},
		testsupport.Step{Text: "second time lucky"},
	)

	res, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-retry"))
	require.NoError(t, err)

	assert.Equal(t, "m1", res.Model)
	assert.Equal(t, routing.OutcomeRetried, dec.Outcome)
	assert.Equal(t, 2, h.invoker.CallsFor("m1"))
	assert.Zero(t, h.invoker.CallsFor("m2"))
}

func TestDispatch_NonTransientErrorSkipsRetries(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 2}, 5)
	h.invoker.Script("m1", testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusUnauthorized, "bad key")})

	_, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-auth"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.invoker.CallsFor("m1"))
	assert.Equal(t, routing.OutcomeFailedOver, dec.Outcome)
	assert.Equal(t, ai.KindAuth, dec.Rationale.Attempts[0].ErrorKind)
}

func TestDispatch_AllCandidatesFail(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 1}, 50)
	h.invoker.Script("m1", testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusBadGateway, "down")})
	h.invoker.Script("m2", testsupport.Step{Err: testsupport.Errorf("deepseek", "m2", http.StatusBadGateway, "down")})

	res, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-exhausted"))
	require.Error(t, err)
	assert.Nil(t, res)

	assert.ErrorIs(t, err, errors.ErrCandidatesExhausted)
	assert.ErrorIs(t, err, errors.ErrTransientProvider)
	var exhausted *CandidatesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Attempts, 4)

	assert.Equal(t, routing.OutcomeExhausted, dec.Outcome)
	assert.Equal(t, StopExhausted, dec.Rationale.StopReason)
	assert.Zero(t, dec.ConfidenceScore)
	assert.Empty(t, dec.SelectedModel)
	assert.Equal(t, 1, h.recorder.count())
}

func TestDispatch_MaxAttemptsCapsThePlan(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 3, MaxAttempts: 2}, 50)
	h.invoker.Script("m1", testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusInternalServerError, "boom")})

	_, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-cap"))
	require.Error(t, err)

	assert.Equal(t, 2, h.invoker.CallsFor("m1"))
	assert.Zero(t, h.invoker.CallsFor("m2"))
	assert.Equal(t, StopMaxAttempts, dec.Rationale.StopReason)
}

func TestDispatch_BudgetAllowsFloorOfLimitOverCost(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 0}, 5)
	// 1 prompt token + 99 output tokens at 0.00001 = 0.001 per call
	h.invoker.Script("m1", testsupport.Step{TokensIn: 1, TokensOut: 99})

	req := request("s-budget")
	req.Budget = decimal.RequireFromString("0.0025")

	for i := 0; i < 2; i++ {
		_, _, err := h.dispatcher.Dispatch(context.Background(), req)
		require.NoError(t, err, "call %d", i)
	}

	_, dec, err := h.dispatcher.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBudgetExceeded)
	assert.Equal(t, StopBudget, dec.Rationale.StopReason)
	assert.Equal(t, 2, h.invoker.CallsFor("m1"), "no network call once the budget is spent")
	assert.Zero(t, h.invoker.CallsFor("m2"))

	// Exhaustion is sticky even for a cheaper backend
	_, _, err = h.dispatcher.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrBudgetExceeded)
	assert.Len(t, h.invoker.Calls(), 2)
	assert.Equal(t, 4, h.recorder.count())
}

func TestDispatch_CancellationDoesNotTripBreaker(t *testing.T) {
	h := newHarness(t, Config{AttemptTimeout: time.Minute}, 1)
	h.invoker.Script("m1", testsupport.Step{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, dec, err := h.dispatcher.Dispatch(ctx, request("s-cancel"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StopCancelled, dec.Rationale.StopReason)
	assert.Equal(t, breaker.StateClosed, h.breakers.State(model_profile.Backend{ModelID: "m1", Provider: "openai"}))
	assert.Zero(t, h.invoker.CallsFor("m2"))

	p, ok := h.profiles.Get(model_profile.Key{ModelID: "m1", Provider: "openai", TaskType: "analysis"})
	require.True(t, ok)
	assert.Zero(t, p.Samples, "cancelled attempts are not observed")
	assert.Equal(t, 1, h.recorder.count())
}

func TestDispatch_OpenCircuitMovesBackendToTail(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 0}, 1)
	h.invoker.Script("m1", testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusInternalServerError, "boom")})

	_, dec, err := h.dispatcher.Dispatch(context.Background(), request("s-circuit"))
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeFailedOver, dec.Outcome)
	assert.True(t, h.breakers.IsOpen(model_profile.Backend{ModelID: "m1", Provider: "openai"}))

	_, dec, err = h.dispatcher.Dispatch(context.Background(), request("s-circuit"))
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeSuccess, dec.Outcome)
	assert.Equal(t, "m2", dec.SelectedModel)
	assert.Equal(t, "m1", dec.Candidates[1].ModelID)
	assert.True(t, dec.Candidates[1].CircuitOpen)
	assert.Equal(t, 1, h.invoker.CallsFor("m1"))
}

func TestDispatch_UnknownRoleStillRecordsDecision(t *testing.T) {
	h := newHarness(t, Config{}, 5)
	req := request("s-config")
	req.Role = "ghost"

	_, dec, err := h.dispatcher.Dispatch(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownRole)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	require.NotNil(t, dec)
	assert.Equal(t, StopConfiguration, dec.Rationale.StopReason)
	assert.Equal(t, routing.OutcomeExhausted, dec.Outcome)
	assert.Equal(t, 1, h.recorder.count())
	assert.Empty(t, h.invoker.Calls())
}

func TestDispatch_PinnedSnapshotIgnoresLaterReload(t *testing.T) {
	h := newHarness(t, Config{}, 5)

	pinned, err := role.NewSnapshot([]*role.AgentRole{analyst()})
	require.NoError(t, err)

	req := request("s-pinned")
	req.Roles = pinned
	req.Role = "market_analyst"

	res, _, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "m1", res.Model)

	req.Role = "not_in_snapshot"
	_, dec, err := h.dispatcher.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, errors.ErrUnknownRole)
	assert.Equal(t, StopConfiguration, dec.Rationale.StopReason)
}

func TestDispatch_EveryCallRecordsExactlyOneDecision(t *testing.T) {
	h := newHarness(t, Config{RetriesPerCandidate: 1}, 100)
	h.invoker.ReplyWith(func(req ai.InvokeRequest) (testsupport.Step, bool) {
		if req.Model == "m1" {
			return testsupport.Step{Err: testsupport.Errorf("openai", "m1", http.StatusTooManyRequests, "slow down")}, true
		}
		return testsupport.Step{}, false
	})

	const calls = 20
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := h.dispatcher.Dispatch(context.Background(), request("s-many"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, calls, h.recorder.count())
	ids := make(map[string]bool)
	for _, d := range h.recorder.decisions {
		ids[d.ID] = true
		assert.Equal(t, routing.OutcomeFailedOver, d.Outcome)
	}
	assert.Len(t, ids, calls)
}
