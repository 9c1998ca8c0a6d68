package role

import (
	"fmt"
	"math"

	"agentrouter/pkg/errors"
)

// Type classifies what a role contributes to a collaboration session
type Type string

const (
	TypeAnalyst       Type = "analyst"
	TypeSpecialist    Type = "specialist"
	TypeManager       Type = "manager"
	TypeDecisionMaker Type = "decision_maker"
)

// Valid reports whether the type is one of the known role types
func (t Type) Valid() bool {
	switch t {
	case TypeAnalyst, TypeSpecialist, TypeManager, TypeDecisionMaker:
		return true
	}
	return false
}

func (t Type) String() string {
	return string(t)
}

// Complexity is the caller's estimate of how demanding a task is
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether the complexity is low, medium or high
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

func (c Complexity) String() string {
	return string(c)
}

// ParseComplexity converts a string into a Complexity
func ParseComplexity(s string) (Complexity, error) {
	c := Complexity(s)
	if !c.Valid() {
		return "", errors.Wrapf(errors.ErrInvalidInput, "unknown complexity %q", s)
	}
	return c, nil
}

// ModelRef points at one model served by one provider
type ModelRef struct {
	ModelID  string `yaml:"model" json:"model_id"`
	Provider string `yaml:"provider" json:"provider"`
}

func (r ModelRef) String() string {
	return r.Provider + "/" + r.ModelID
}

// Weights balance the selector's scoring terms
type Weights struct {
	Speed    float64 `yaml:"speed" json:"speed"`
	Cost     float64 `yaml:"cost" json:"cost"`
	Accuracy float64 `yaml:"accuracy" json:"accuracy"`
}

const weightSumTolerance = 1e-6

// Validate checks every weight is in [0,1] and that they sum to 1.0
func (w Weights) Validate() error {
	var errs errors.MultiError
	fields := []struct {
		name  string
		value float64
	}{{"speed", w.Speed}, {"cost", w.Cost}, {"accuracy", w.Accuracy}}
	for _, f := range fields {
		if math.IsNaN(f.value) || f.value < 0 || f.value > 1 {
			errs.Add(errors.NewValidationError("weights."+f.name, "must be within [0,1]", f.value))
		}
	}
	if sum := w.Speed + w.Cost + w.Accuracy; math.Abs(sum-1) > weightSumTolerance {
		errs.Add(errors.NewValidationError("weights", "must sum to 1.0", sum))
	}
	return errs.ToError()
}

// AgentRole is the static routing configuration of one agent role.
// Values are treated as immutable once placed in a Registry.
type AgentRole struct {
	Name        string
	Type        Type
	Description string
	Preferred   []ModelRef
	Fallback    []ModelRef
	Tiers       map[Complexity]string
	Weights     Weights
}

// Validate checks the role definition, collecting every problem found
func (r *AgentRole) Validate() error {
	var errs errors.MultiError
	if r.Name == "" {
		errs.Add(errors.NewValidationError("name", "is required", r.Name))
	}
	if !r.Type.Valid() {
		errs.Add(errors.NewValidationError(r.field("type"), "unknown role type", r.Type))
	}
	if len(r.Preferred) == 0 && len(r.Fallback) == 0 && len(r.Tiers) == 0 {
		errs.Add(errors.NewValidationError(r.field("models"), "at least one model is required", nil))
	}
	for i, ref := range append(append([]ModelRef{}, r.Preferred...), r.Fallback...) {
		if ref.ModelID == "" || ref.Provider == "" {
			errs.Add(errors.NewValidationError(r.field(fmt.Sprintf("models[%d]", i)), "model and provider are required", ref))
		}
	}
	for c, model := range r.Tiers {
		if !c.Valid() {
			errs.Add(errors.NewValidationError(r.field("tiers"), "unknown complexity tier", c))
		}
		if model == "" {
			errs.Add(errors.NewValidationError(r.field("tiers."+string(c)), "model is required", model))
		}
	}
	if err := r.Weights.Validate(); err != nil {
		errs.Add(errors.Wrapf(err, "role %s", r.Name))
	}
	return errs.ToError()
}

// TierModel returns the model id mapped to the complexity tier
func (r *AgentRole) TierModel(c Complexity) (string, bool) {
	model, ok := r.Tiers[c]
	return model, ok && model != ""
}

// ProviderFor resolves the provider of a model id from the role's own lists
func (r *AgentRole) ProviderFor(modelID string) (string, bool) {
	for _, ref := range r.Preferred {
		if ref.ModelID == modelID {
			return ref.Provider, true
		}
	}
	for _, ref := range r.Fallback {
		if ref.ModelID == modelID {
			return ref.Provider, true
		}
	}
	return "", false
}

func (r *AgentRole) clone() *AgentRole {
	c := *r
	c.Preferred = append([]ModelRef(nil), r.Preferred...)
	c.Fallback = append([]ModelRef(nil), r.Fallback...)
	c.Tiers = make(map[Complexity]string, len(r.Tiers))
	for k, v := range r.Tiers {
		c.Tiers[k] = v
	}
	return &c
}

func (r *AgentRole) field(name string) string {
	return "roles." + r.Name + "." + name
}
