package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/audit"
	"agentrouter/internal/budget"
	"agentrouter/internal/dispatch"
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/internal/domain/routing"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// fakeDispatcher answers by role. Roles listed in charged reserve one unit of budget per call.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatch.Request
	reply   func(req dispatch.Request) (string, error)
	ledger  budget.Ledger
	charged map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, *routing.Decision, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	dec := &routing.Decision{
		ID:               routing.NewDecisionID(),
		SessionID:        req.SessionID,
		Role:             req.Role,
		TaskType:         req.TaskType,
		SelectedModel:    "m1",
		SelectedProvider: "openai",
		CreatedAt:        time.Now(),
	}

	one := decimal.NewFromInt(1)
	var hold budget.Reservation
	charged := f.ledger != nil && f.charged[req.Role]
	if charged {
		var err error
		hold, err = f.ledger.Reserve(ctx, req.SessionID, one)
		if err != nil {
			dec.Outcome = routing.OutcomeExhausted
			return nil, dec, err
		}
	}

	text, err := f.reply(req)
	if charged {
		_ = f.ledger.Settle(ctx, hold, one)
		dec.ActualCost = one
	}
	if err != nil {
		dec.Outcome = routing.OutcomeExhausted
		return nil, dec, err
	}
	dec.Outcome = routing.OutcomeSuccess
	return &dispatch.Result{Text: text, Model: "m1", Provider: "openai", DecisionID: dec.ID, Cost: dec.ActualCost}, dec, nil
}

func (f *fakeDispatcher) callsFor(roleName string) []dispatch.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []dispatch.Request
	for _, c := range f.calls {
		if c.Role == roleName {
			out = append(out, c)
		}
	}
	return out
}

// sequenceScorer returns scores in order, repeating the last one
type sequenceScorer struct {
	mu     sync.Mutex
	scores []float64
	n      int
}

func (s *sequenceScorer) Score([]collaboration.Contribution, map[string]float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.n
	if i >= len(s.scores) {
		i = len(s.scores) - 1
	}
	s.n++
	return s.scores[i]
}

func verdictJSON(direction string, confidence float64) string {
	return fmt.Sprintf(`{"direction": %q, "confidence": %.2f, "summary": "%s call"}`, direction, confidence, direction)
}

func deskRole(name string, t role.Type) *role.AgentRole {
	return &role.AgentRole{
		Name:      name,
		Type:      t,
		Preferred: []role.ModelRef{{ModelID: "m1", Provider: "openai"}},
		Weights:   role.Weights{Speed: 0.2, Cost: 0.3, Accuracy: 0.5},
	}
}

func deskRoles() []*role.AgentRole {
	return []*role.AgentRole{
		deskRole("bull", role.TypeAnalyst),
		deskRole("bear", role.TypeAnalyst),
		deskRole("macro", role.TypeSpecialist),
		deskRole("judge", role.TypeDecisionMaker),
	}
}

func deskRoster() []collaboration.RosterEntry {
	return []collaboration.RosterEntry{
		{Role: "bull", Weight: 1, Debater: true},
		{Role: "bear", Weight: 1, Debater: true},
		{Role: "judge", Weight: 1},
	}
}

type fixture struct {
	orch       *Orchestrator
	dispatcher *fakeDispatcher
	events     *audit.MemoryLog
	ledger     *budget.MemoryLedger
}

func newFixture(t *testing.T, cfg Config, scorer Scorer, reply func(req dispatch.Request) (string, error)) *fixture {
	t.Helper()

	roles, err := role.NewRegistry(deskRoles())
	require.NoError(t, err)

	ledger := budget.NewMemoryLedger()
	fd := &fakeDispatcher{reply: reply, ledger: ledger, charged: map[string]bool{}}
	events := audit.NewMemoryLog()

	orch, err := New(cfg, Deps{
		Dispatcher: fd,
		Roles:      roles,
		Rosters: map[collaboration.Strategy][]collaboration.RosterEntry{
			collaboration.StrategyParallel:   deskRoster(),
			collaboration.StrategySequential: deskRoster(),
			collaboration.StrategyDebate:     deskRoster(),
			collaboration.StrategyConsensus:  deskRoster(),
		},
		Scorer: scorer,
		Events: events,
		Ledger: ledger,
		Logger: logger.Nop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &fixture{orch: orch, dispatcher: fd, events: events, ledger: ledger}
}

func agreeing(req dispatch.Request) (string, error) {
	switch req.Role {
	case "bear":
		return verdictJSON("bullish", 0.6), nil
	case "judge":
		return verdictJSON("bullish", 0.7), nil
	default:
		return verdictJSON("bullish", 0.8), nil
	}
}

func (f *fixture) run(t *testing.T, req StartRequest) *collaboration.Session {
	t.Helper()
	id, err := f.orch.StartSession(context.Background(), req)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	return s
}

func actions(s *collaboration.Session, action collaboration.Action, stage collaboration.Stage) []collaboration.Interaction {
	var out []collaboration.Interaction
	for _, i := range s.Interactions {
		if i.Action == action && (stage == "" || i.Stage == stage) {
			out = append(out, i)
		}
	}
	return out
}

func stagePath(s *collaboration.Session) []collaboration.Stage {
	path := []collaboration.Stage{collaboration.StageAnalysis}
	for _, i := range s.Interactions {
		if i.Action == collaboration.ActionStageAdvanced {
			path = append(path, i.Stage)
		}
	}
	return path
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

func TestSession_ParallelCompletes(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Equal(t, collaboration.StageDone, s.Stage)
	require.NotNil(t, s.ConsensusScore)
	assert.Equal(t, 1.0, *s.ConsensusScore)
	require.NotNil(t, s.FinalOutcome)
	assert.Equal(t, "judge", s.FinalOutcome.Role)
	assert.Equal(t, collaboration.DirectionBullish, s.FinalOutcome.Direction)
	assert.InDelta(t, 0.7, s.FinalOutcome.Confidence, 1e-9)
	assert.Equal(t, 0, s.DebateRoundsUsed)
	assert.Equal(t, []collaboration.Stage{collaboration.StageAnalysis, collaboration.StageDecision}, stagePath(s))

	for i, in := range s.Interactions {
		assert.Equal(t, i+1, in.Step)
	}

	// The decision maker always runs at high complexity
	judge := f.dispatcher.callsFor("judge")
	require.Len(t, judge, 1)
	assert.Equal(t, role.ComplexityHigh, judge[0].Complexity)
	assert.Equal(t, "judge", judge[0].TaskType)
	assert.Contains(t, judge[0].Prompt, "bull (weight 1.00): bullish")

	events, err := f.events.CollaborationEvents(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, collaboration.EventSessionCreated, events[0].Kind)
	assert.Equal(t, collaboration.EventSessionClosed, events[len(events)-1].Kind)
	for i, e := range events {
		assert.Equal(t, i+1, e.Sequence)
	}
}

func TestSession_DebateStopsOnceThresholdReached(t *testing.T) {
	scorer := &sequenceScorer{scores: []float64{0.4, 0.5, 0.85, 0.99}}
	f := newFixture(t, Config{}, scorer, agreeing)

	s := f.run(t, StartRequest{
		Symbols:            []string{"ETH/USDT"},
		Strategy:           collaboration.StrategyDebate,
		MaxIterations:      intPtr(3),
		ConsensusThreshold: floatPtr(0.8),
	})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.DebateRoundsUsed)
	require.NotNil(t, s.ConsensusScore)
	assert.Equal(t, 0.85, *s.ConsensusScore)
	assert.Equal(t, []collaboration.Stage{
		collaboration.StageAnalysis, collaboration.StageDebate, collaboration.StageDecision,
	}, stagePath(s))

	// Analysis plus two rounds, no third
	assert.Len(t, f.dispatcher.callsFor("bull"), 3)
	assert.Len(t, f.dispatcher.callsFor("bear"), 3)
	assert.Len(t, actions(s, collaboration.ActionAgreement, ""), 3)

	round2 := f.dispatcher.callsFor("bear")[2]
	assert.Contains(t, round2.Prompt, "debate round 2")
	assert.Contains(t, round2.Prompt, "Agreement so far: 50%")
}

func TestSession_DebateRunsAllRoundsWithoutConsensus(t *testing.T) {
	scorer := &sequenceScorer{scores: []float64{0.3}}
	f := newFixture(t, Config{}, scorer, agreeing)

	s := f.run(t, StartRequest{
		Symbols:            []string{"ETH/USDT"},
		Strategy:           collaboration.StrategyConsensus,
		MaxIterations:      intPtr(2),
		ConsensusThreshold: floatPtr(0.8),
	})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Equal(t, 2, s.DebateRoundsUsed)
	require.NotNil(t, s.ConsensusScore)
	assert.Equal(t, 0.3, *s.ConsensusScore)
}

func TestSession_ConsensusInAnalysisSkipsDebate(t *testing.T) {
	scorer := &sequenceScorer{scores: []float64{0.9}}
	f := newFixture(t, Config{}, scorer, agreeing)

	s := f.run(t, StartRequest{
		Symbols:            []string{"ETH/USDT"},
		Strategy:           collaboration.StrategyDebate,
		MaxIterations:      intPtr(3),
		ConsensusThreshold: floatPtr(0.8),
	})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Equal(t, 0, s.DebateRoundsUsed)
	require.NotNil(t, s.ConsensusScore)
	assert.Equal(t, 0.9, *s.ConsensusScore)
	assert.Equal(t, []collaboration.Stage{collaboration.StageAnalysis, collaboration.StageDecision}, stagePath(s))
	assert.Len(t, f.dispatcher.callsFor("bull"), 1)
	assert.Len(t, f.dispatcher.callsFor("bear"), 1)
}

func TestSession_ZeroIterationsSkipsDebate(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)

	s := f.run(t, StartRequest{
		Symbols:       []string{"SOL/USDT"},
		Strategy:      collaboration.StrategyDebate,
		MaxIterations: intPtr(0),
	})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Equal(t, 0, s.DebateRoundsUsed)
	assert.Equal(t, []collaboration.Stage{collaboration.StageAnalysis, collaboration.StageDecision}, stagePath(s))
	assert.Len(t, f.dispatcher.callsFor("bull"), 1)
}

func TestSession_SequentialFeedsPriorOutputs(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategySequential})
	require.Equal(t, collaboration.StatusCompleted, s.Status)

	bull := f.dispatcher.callsFor("bull")
	bear := f.dispatcher.callsFor("bear")
	require.Len(t, bull, 1)
	require.Len(t, bear, 1)
	assert.NotContains(t, bull[0].Prompt, "PRIOR DESK OUTPUT")
	assert.Contains(t, bear[0].Prompt, "PRIOR DESK OUTPUT")
	assert.Contains(t, bear[0].Prompt, "- bull: bullish (80%)")

	dispatched := actions(s, collaboration.ActionDispatched, collaboration.StageAnalysis)
	require.Len(t, dispatched, 2)
	assert.Equal(t, "bull", dispatched[0].Role)
	assert.Equal(t, "bear", dispatched[1].Role)
}

func TestSession_BudgetExhaustionSkipsOptionalRole(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)
	f.dispatcher.charged = map[string]bool{"bull": true, "bear": true, "macro": true}

	budgetOf2 := decimal.NewFromInt(2)
	s := f.run(t, StartRequest{
		Symbols:  []string{"BTC/USDT"},
		Strategy: collaboration.StrategyParallel,
		Budget:   &budgetOf2,
		Roster: []collaboration.RosterEntry{
			{Role: "bull", Weight: 1},
			{Role: "bear", Weight: 1},
			{Role: "macro", Weight: 1},
			{Role: "judge", Weight: 1},
		},
	})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	assert.Len(t, actions(s, collaboration.ActionResult, collaboration.StageAnalysis), 2)

	skipped := actions(s, collaboration.ActionNonParticipating, collaboration.StageAnalysis)
	require.Len(t, skipped, 1)
	assert.True(t, strings.HasPrefix(skipped[0].Detail, ReasonBudgetExceeded), skipped[0].Detail)
	assert.True(t, s.Spent.Equal(budgetOf2), "spent %s", s.Spent)
}

func TestSession_BudgetExhaustionOfMandatoryRoleFails(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)
	f.dispatcher.charged = map[string]bool{"bull": true, "bear": true, "macro": true}

	budgetOf2 := decimal.NewFromInt(2)
	s := f.run(t, StartRequest{
		Symbols:  []string{"BTC/USDT"},
		Strategy: collaboration.StrategyParallel,
		Budget:   &budgetOf2,
		Roster: []collaboration.RosterEntry{
			{Role: "bull", Weight: 1, Mandatory: true},
			{Role: "bear", Weight: 1, Mandatory: true},
			{Role: "macro", Weight: 1, Mandatory: true},
			{Role: "judge", Weight: 1},
		},
	})

	assert.Equal(t, collaboration.StatusFailed, s.Status)
	assert.Equal(t, collaboration.StageAnalysis, s.FailedStage)
	assert.Contains(t, s.FailureReason, ReasonBudgetExceeded)
	assert.Nil(t, s.ConsensusScore)
	assert.Nil(t, s.FinalOutcome)
	assert.Empty(t, f.dispatcher.callsFor("judge"))
}

func TestSession_NoSuccessfulAnalystFails(t *testing.T) {
	f := newFixture(t, Config{}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "judge" {
			return verdictJSON("neutral", 0.5), nil
		}
		return "", errors.Wrap(errors.ErrCandidatesExhausted, req.Role)
	})

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, collaboration.StatusFailed, s.Status)
	assert.Equal(t, collaboration.StageAnalysis, s.FailedStage)
	assert.Len(t, actions(s, collaboration.ActionNonParticipating, collaboration.StageAnalysis), 2)
	assert.Empty(t, f.dispatcher.callsFor("judge"))
}

func TestSession_DecisionMakerFailureFails(t *testing.T) {
	f := newFixture(t, Config{}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "judge" {
			return "", errors.Wrap(errors.ErrCandidatesExhausted, "judge")
		}
		return agreeing(req)
	})

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, collaboration.StatusFailed, s.Status)
	assert.Equal(t, collaboration.StageDecision, s.FailedStage)
	assert.Contains(t, s.FailureReason, "judge")
	assert.Nil(t, s.ConsensusScore)
	failed := actions(s, collaboration.ActionFailed, "")
	require.Len(t, failed, 1)
	assert.Equal(t, collaboration.StageDecision, failed[0].Stage, "the failure is logged against the stage that raised it")
}

func TestSession_StageTimeoutLeavesSlowRoleOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFixture(t, Config{StageTimeout: 50 * time.Millisecond}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "bear" {
			<-release
		}
		return agreeing(req)
	})

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, collaboration.StatusCompleted, s.Status)
	skipped := actions(s, collaboration.ActionNonParticipating, collaboration.StageAnalysis)
	require.Len(t, skipped, 1)
	assert.Equal(t, "bear", skipped[0].Role)
	assert.True(t, strings.HasPrefix(skipped[0].Detail, ReasonStageTimeout+": "))
	assert.Contains(t, skipped[0].Detail, errors.ErrStageTimeout.Error())
}

func TestSession_SessionTimeoutListsPendingRoles(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFixture(t, Config{SessionTimeout: 50 * time.Millisecond, StageTimeout: time.Minute}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "bull" {
			<-release
		}
		return agreeing(req)
	})

	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, collaboration.StatusFailed, s.Status)
	assert.Equal(t, collaboration.StageAnalysis, s.FailedStage)
	assert.Contains(t, s.FailureReason, errors.ErrSessionTimeout.Error())
	assert.Contains(t, s.FailureReason, "pending roles: bull")
	assert.Nil(t, s.ConsensusScore)
	assert.Len(t, actions(s, collaboration.ActionFailed, collaboration.StageAnalysis), 1)
}

func TestCancelSession_RecordsLateResults(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	f := newFixture(t, Config{StageTimeout: time.Minute}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "bull" {
			started <- struct{}{}
			<-release
		}
		return agreeing(req)
	})

	id, err := f.orch.StartSession(context.Background(), StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})
	require.NoError(t, err)
	<-started

	require.NoError(t, f.orch.CancelSession(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, collaboration.StatusCancelled, s.Status)
	assert.Equal(t, collaboration.StageCancelled, s.Stage)
	assert.Len(t, actions(s, collaboration.ActionCancelled, collaboration.StageAnalysis), 1)

	// A second cancel is rejected
	err = f.orch.CancelSession(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionTerminal))

	close(release)
	require.Eventually(t, func() bool {
		s, err := f.orch.GetSessionStatus(id)
		require.NoError(t, err)
		for _, i := range actions(s, collaboration.ActionLateResult, "") {
			if i.Role == "bull" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	s, err = f.orch.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, collaboration.StatusCancelled, s.Status, "late results never revive a session")
	assert.Nil(t, s.ConsensusScore)
	assert.Empty(t, f.dispatcher.callsFor("judge"))
}

func TestSubscribe_StreamsUntilClosed(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, Config{}, nil, func(req dispatch.Request) (string, error) {
		if req.Role == "bull" {
			<-release
		}
		return agreeing(req)
	})

	id, err := f.orch.StartSession(context.Background(), StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})
	require.NoError(t, err)

	events, stop, err := f.orch.Subscribe(id)
	require.NoError(t, err)
	defer stop()
	close(release)

	var kinds []collaboration.EventKind
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-events:
			if !ok {
				done = true
				continue
			}
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}

	require.NotEmpty(t, kinds)
	assert.Equal(t, collaboration.EventSessionClosed, kinds[len(kinds)-1])
	assert.Contains(t, kinds, collaboration.EventStageChanged)
}

func TestSubscribe_UnknownSession(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)

	_, _, err := f.orch.Subscribe("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStartSession_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)
	negative := decimal.NewFromInt(-1)

	tests := []struct {
		name string
		req  StartRequest
	}{
		{name: "no symbols", req: StartRequest{Strategy: collaboration.StrategyParallel}},
		{name: "unknown strategy", req: StartRequest{Symbols: []string{"BTC"}, Strategy: "vote"}},
		{name: "negative iterations", req: StartRequest{Symbols: []string{"BTC"}, Strategy: collaboration.StrategyDebate, MaxIterations: intPtr(-1)}},
		{name: "threshold above one", req: StartRequest{Symbols: []string{"BTC"}, Strategy: collaboration.StrategyDebate, ConsensusThreshold: floatPtr(1.5)}},
		{name: "negative budget", req: StartRequest{Symbols: []string{"BTC"}, Strategy: collaboration.StrategyParallel, Budget: &negative}},
		{name: "unknown role", req: StartRequest{Symbols: []string{"BTC"}, Strategy: collaboration.StrategyParallel, Roster: []collaboration.RosterEntry{{Role: "ghost"}, {Role: "judge"}}}},
		{name: "no decision maker", req: StartRequest{Symbols: []string{"BTC"}, Strategy: collaboration.StrategyParallel, Roster: []collaboration.RosterEntry{{Role: "bull"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.StartSession(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrConfiguration), err.Error())
		})
	}
	assert.Equal(t, 0, f.orch.ActiveSessions())
}

func TestReloadRoles_KeepsRostersResolvable(t *testing.T) {
	f := newFixture(t, Config{}, nil, agreeing)
	assert.Equal(t, 4, f.orch.RoleCount())

	// Dropping the decision maker would orphan every roster
	err := f.orch.ReloadRoles(deskRoles()[:3])
	require.Error(t, err)
	assert.Equal(t, 4, f.orch.RoleCount())

	updated := deskRoles()
	updated[0].Weights = role.Weights{Speed: 1}
	require.NoError(t, f.orch.ReloadRoles(updated))

	roles := f.orch.Roles()
	require.Len(t, roles, 4)
	assert.Equal(t, "bear", roles[0].Name)
	for _, r := range roles {
		if r.Name == "bull" {
			assert.Equal(t, 1.0, r.Weights.Speed)
		}
	}
}

func TestSweep_DropsExpiredSessions(t *testing.T) {
	f := newFixture(t, Config{Retention: time.Minute}, nil, agreeing)
	s := f.run(t, StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})

	assert.Equal(t, 0, f.orch.Sweep(context.Background()))

	f.orch.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, 1, f.orch.Sweep(context.Background()))

	_, err := f.orch.GetSessionStatus(s.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestShutdown_CancelsRunningSessions(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	f := newFixture(t, Config{StageTimeout: time.Minute}, nil, func(req dispatch.Request) (string, error) {
		<-release
		return agreeing(req)
	})

	id, err := f.orch.StartSession(context.Background(), StartRequest{Symbols: []string{"BTC/USDT"}, Strategy: collaboration.StrategyParallel})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))

	s, err := f.orch.GetSessionStatus(id)
	require.NoError(t, err)
	assert.Equal(t, collaboration.StatusCancelled, s.Status)
	assert.Equal(t, 0, f.orch.ActiveSessions())
}
