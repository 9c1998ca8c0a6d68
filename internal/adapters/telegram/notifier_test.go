package telegram

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/pkg/logger"
)

type recordingSender struct {
	sent   map[int64]string
	failOn int64
}

func (r *recordingSender) SendMessageWithContext(_ context.Context, chatID int64, text string) error {
	if chatID == r.failOn {
		return errors.New("chat not found")
	}
	if r.sent == nil {
		r.sent = map[int64]string{}
	}
	r.sent[chatID] = text
	return nil
}

func completedSession() *collaboration.Session {
	consensus := 0.85
	return &collaboration.Session{
		ID:             "3f2a-91",
		Symbols:        []string{"BTC/USDT", "ETH-PERP"},
		Strategy:       collaboration.StrategyDebate,
		Status:         collaboration.StatusCompleted,
		ConsensusScore: &consensus,
		FinalOutcome:   &collaboration.Outcome{Role: "judge", Direction: collaboration.DirectionBullish, Confidence: 0.7},
		Spent:          decimal.RequireFromString("0.0125"),
	}
}

func TestNotifier_RendersEscapedVerdict(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, []int64{1, 2}, nil, logger.Nop())

	require.NoError(t, n.NotifySession(context.Background(), completedSession()))
	require.Len(t, sender.sent, 2)

	text := sender.sent[1]
	assert.Contains(t, text, `*Session 3f2a\-91* completed`)
	assert.Contains(t, text, `Symbols: BTC/USDT, ETH\-PERP`)
	assert.Contains(t, text, `Verdict: *bullish* \(70%\)`)
	assert.Contains(t, text, `Consensus: 85%`)
	assert.Contains(t, text, `Spent: $0\.0125`)
	assert.NotContains(t, text, "Reason:")
}

func TestNotifier_FailedSessionShowsReason(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifier(sender, []int64{7}, nil, logger.Nop())

	s := &collaboration.Session{
		ID:            "s-1",
		Status:        collaboration.StatusFailed,
		Strategy:      collaboration.StrategyParallel,
		FailureReason: "mandatory role bull did not participate (timeout)",
	}
	require.NoError(t, n.NotifySession(context.Background(), s))

	text := sender.sent[7]
	assert.Contains(t, text, `Reason: mandatory role bull did not participate \(timeout\)`)
	assert.NotContains(t, text, "Verdict:")
}

func TestNotifier_OneChatFailing(t *testing.T) {
	sender := &recordingSender{failOn: 2}
	n := NewNotifier(sender, []int64{1, 2, 3}, nil, logger.Nop())

	err := n.NotifySession(context.Background(), completedSession())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 2")
	assert.Len(t, sender.sent, 2)
}
