package model_profile

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AnyTaskType marks catalog seeds that apply to every task type
const AnyTaskType = "*"

// Key identifies one (model, provider, task type) triple
type Key struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
	TaskType string `json:"task_type"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%s", k.Provider, k.ModelID, k.TaskType)
}

// Backend returns the (model, provider) part of the key
func (k Key) Backend() Backend {
	return Backend{ModelID: k.ModelID, Provider: k.Provider}
}

// Backend identifies a model regardless of task type. Circuit breakers are keyed by it.
type Backend struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
}

func (b Backend) String() string {
	return b.Provider + "/" + b.ModelID
}

// Profile is the tracked cost, latency and reliability of a model for a task type
type Profile struct {
	Key
	PerformanceScore  float64         `json:"performance_score"`
	CostPerToken      decimal.Decimal `json:"cost_per_token"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
	SuccessRate       float64         `json:"success_rate"`
	Samples           int64           `json:"samples"`
	LastUpdated       time.Time       `json:"last_updated"`
}

// Stale reports whether the profile has not been refreshed within maxAge.
// A zero maxAge disables staleness.
func (p Profile) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 || p.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(p.LastUpdated) > maxAge
}

// EstimateCost prices a call of the given token count
func (p Profile) EstimateCost(tokens int) decimal.Decimal {
	return p.CostPerToken.Mul(decimal.NewFromInt(int64(tokens)))
}

// Observation is the outcome of one invocation attempt
type Observation struct {
	Key     Key
	Latency time.Duration
	Success bool
	At      time.Time
}

// Estimate describes how a looked-up profile relates to the requested key
type Estimate struct {
	// LowConfidence is set when the profile belongs to another task type
	LowConfidence bool
	Stale         bool
}
