package collaboration

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy selects how roles collaborate
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyDebate     Strategy = "debate"
	StrategyConsensus  Strategy = "consensus"
)

// Valid reports whether the strategy is known
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyDebate, StrategyConsensus:
		return true
	}
	return false
}

// HasDebate reports whether the strategy runs debate rounds
func (s Strategy) HasDebate() bool {
	return s == StrategyDebate || s == StrategyConsensus
}

// Status is the externally visible lifecycle of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Stage is the position of a session in the pipeline
type Stage string

const (
	StageAnalysis  Stage = "analysis"
	StageDebate    Stage = "debate"
	StageDecision  Stage = "decision"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Direction is a role's directional call on the symbols
type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// ParseDirection maps free-form labels onto a Direction
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bullish", "bull", "long", "buy":
		return DirectionBullish, true
	case "bearish", "bear", "short", "sell":
		return DirectionBearish, true
	case "neutral", "hold", "flat", "wait":
		return DirectionNeutral, true
	}
	return "", false
}

// Action labels an interaction record
type Action string

const (
	ActionSessionStarted   Action = "session_started"
	ActionDispatched       Action = "dispatched"
	ActionResult           Action = "result"
	ActionNonParticipating Action = "non_participating"
	ActionAgreement        Action = "agreement"
	ActionStageAdvanced    Action = "stage_advanced"
	ActionLateResult       Action = "late_result"
	ActionCancelled        Action = "cancelled"
	ActionFailed           Action = "failed"
	ActionCompleted        Action = "completed"
)

// Interaction is one entry of the session's ordered audit trail
type Interaction struct {
	Step      int       `json:"step"`
	Stage     Stage     `json:"stage"`
	Round     int       `json:"round,omitempty"`
	Role      string    `json:"role,omitempty"`
	Action    Action    `json:"action"`
	InputRef  string    `json:"input_ref,omitempty"`
	OutputRef string    `json:"output_ref,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Contribution is a role's parsed output for one stage and round
type Contribution struct {
	Stage      Stage     `json:"stage"`
	Round      int       `json:"round"`
	Role       string    `json:"role"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	DecisionID string    `json:"decision_id"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
}

// RosterEntry places a role in a session
type RosterEntry struct {
	Role      string  `yaml:"role" json:"role"`
	Weight    float64 `yaml:"weight" json:"weight"`
	Mandatory bool    `yaml:"mandatory" json:"mandatory"`
	Debater   bool    `yaml:"debater" json:"debater"`
}

// Outcome is the decision maker's verdict
type Outcome struct {
	Role       string    `json:"role"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Summary    string    `json:"summary"`
	DecisionID string    `json:"decision_id"`
}

// Session is one analysis → debate → decision run
type Session struct {
	ID                 string             `json:"session_id"`
	Symbols            []string           `json:"symbols"`
	Strategy           Strategy           `json:"strategy"`
	Status             Status             `json:"status"`
	Stage              Stage              `json:"stage"`
	Participants       map[string]float64 `json:"participating_agents"`
	Roster             []RosterEntry      `json:"roster"`
	Interactions       []Interaction      `json:"interaction_sequence"`
	Contributions      []Contribution     `json:"contributions"`
	ConsensusScore     *float64           `json:"consensus_score,omitempty"`
	DebateRoundsUsed   int                `json:"debate_rounds_used"`
	MaxIterations      int                `json:"max_iterations"`
	ConsensusThreshold float64            `json:"consensus_threshold"`
	FinalOutcome       *Outcome           `json:"final_outcome,omitempty"`
	FailedStage        Stage              `json:"failed_stage,omitempty"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	Budget             decimal.Decimal    `json:"budget"`
	Spent              decimal.Decimal    `json:"spent"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers
func (s *Session) Clone() *Session {
	c := *s
	c.Symbols = append([]string(nil), s.Symbols...)
	c.Roster = append([]RosterEntry(nil), s.Roster...)
	c.Interactions = append([]Interaction(nil), s.Interactions...)
	c.Contributions = append([]Contribution(nil), s.Contributions...)
	c.Participants = make(map[string]float64, len(s.Participants))
	for k, v := range s.Participants {
		c.Participants[k] = v
	}
	if s.ConsensusScore != nil {
		v := *s.ConsensusScore
		c.ConsensusScore = &v
	}
	if s.FinalOutcome != nil {
		o := *s.FinalOutcome
		c.FinalOutcome = &o
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Record appends an interaction, assigning its step number
func (s *Session) Record(i Interaction) Interaction {
	i.Step = len(s.Interactions) + 1
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now().UTC()
	}
	if i.Stage == "" {
		i.Stage = s.Stage
	}
	s.Interactions = append(s.Interactions, i)
	s.UpdatedAt = i.Timestamp
	return i
}

// EventKind labels audit events
type EventKind string

const (
	EventSessionCreated EventKind = "session_created"
	EventInteraction    EventKind = "interaction"
	EventStageChanged   EventKind = "stage_changed"
	EventSessionClosed  EventKind = "session_closed"
)

// Event is what the orchestrator appends to the audit log for a session
type Event struct {
	SessionID   string       `json:"session_id"`
	Sequence    int          `json:"sequence"`
	Kind        EventKind    `json:"kind"`
	Stage       Stage        `json:"stage"`
	Status      Status       `json:"status"`
	Interaction *Interaction `json:"interaction,omitempty"`
	Session     *Session     `json:"session,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}
