package routing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome summarizes how a dispatch call ended
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeRetried    Outcome = "retried"
	OutcomeFailedOver Outcome = "failed_over"
	OutcomeExhausted  Outcome = "exhausted"
)

// Factor names a scoring term
type Factor string

const (
	FactorSpeed    Factor = "speed"
	FactorCost     Factor = "cost"
	FactorAccuracy Factor = "accuracy"
	// FactorNone marks candidates that were not scored (circuit open)
	FactorNone Factor = "none"
)

// Candidate is one entry of a ranked candidate list
type Candidate struct {
	ModelID       string          `json:"model_id"`
	Provider      string          `json:"provider"`
	Position      int             `json:"position"`
	Score         float64         `json:"score"`
	Speed         float64         `json:"speed"`
	Cost          float64         `json:"cost"`
	Accuracy      float64         `json:"accuracy"`
	Dominant      Factor          `json:"dominant"`
	Source        string          `json:"source"`
	ProfileTask   string          `json:"profile_task"`
	LowConfidence bool            `json:"low_confidence,omitempty"`
	Stale         bool            `json:"stale,omitempty"`
	CircuitOpen   bool            `json:"circuit_open,omitempty"`
	SuccessRate   float64         `json:"success_rate"`
	CostPerToken  decimal.Decimal `json:"cost_per_token"`
}

// Attempt records one invocation try inside a dispatch call
type Attempt struct {
	ModelID   string          `json:"model_id"`
	Provider  string          `json:"provider"`
	Latency   time.Duration   `json:"latency"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// Rationale explains why the selected model won
type Rationale struct {
	Dominant   Factor    `json:"dominant"`
	Attempts   []Attempt `json:"attempts"`
	StopReason string    `json:"stop_reason,omitempty"`
}

// Decision is the audit record of one dispatch call. Immutable after creation.
type Decision struct {
	ID               string          `json:"decision_id"`
	SessionID        string          `json:"session_id"`
	Role             string          `json:"agent_role"`
	TaskType         string          `json:"task_type"`
	Complexity       string          `json:"complexity"`
	Candidates       []Candidate     `json:"candidates_considered"`
	SelectedModel    string          `json:"selected_model"`
	SelectedProvider string          `json:"selected_provider"`
	Rationale        Rationale       `json:"rationale"`
	ConfidenceScore  float64         `json:"confidence_score"`
	ExecutionTimeMs  int64           `json:"execution_time_ms"`
	CostEstimate     decimal.Decimal `json:"cost_estimate"`
	ActualCost       decimal.Decimal `json:"actual_cost"`
	TokensIn         int             `json:"tokens_in"`
	TokensOut        int             `json:"tokens_out"`
	Outcome          Outcome         `json:"outcome"`
	CreatedAt        time.Time       `json:"created_at"`
}

// NewDecisionID returns a fresh decision identifier
func NewDecisionID() string {
	return uuid.NewString()
}

// Succeeded reports whether the call produced a completion
func (d *Decision) Succeeded() bool {
	return d.Outcome != OutcomeExhausted
}
