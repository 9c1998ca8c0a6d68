package orchestrator

import (
	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/role"
	"agentrouter/pkg/errors"
)

// Template ids per stage
const (
	promptAnalysis = "prompts/analysis"
	promptDebate   = "prompts/debate"
	promptDecision = "prompts/decision"
)

type priorView struct {
	Role       string
	Direction  collaboration.Direction
	Confidence float64
	Summary    string
	Weight     float64
}

type promptData struct {
	Role        string
	RoleType    string
	Description string
	TaskType    string
	Symbols     []string
	Round       int
	Agreement   float64
	Prior       []priorView
}

func (o *Orchestrator) renderPrompt(id string, r *role.AgentRole, symbols []string, round int, agreement float64, prior []collaboration.Contribution, weights map[string]float64) (string, error) {
	data := promptData{
		Role:        r.Name,
		RoleType:    string(r.Type),
		Description: r.Description,
		TaskType:    r.Name,
		Symbols:     symbols,
		Round:       round,
		Agreement:   agreement,
		Prior:       make([]priorView, 0, len(prior)),
	}
	for _, c := range prior {
		data.Prior = append(data.Prior, priorView{
			Role:       c.Role,
			Direction:  c.Direction,
			Confidence: c.Confidence,
			Summary:    c.Summary,
			Weight:     weights[c.Role],
		})
	}
	out, err := o.prompts.Render(id, data)
	if err != nil {
		return "", errors.Wrapf(errors.ErrConfiguration, "render %s for %s: %v", id, r.Name, err)
	}
	return out, nil
}
