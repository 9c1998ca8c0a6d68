package config

import (
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/role"
	"agentrouter/pkg/errors"
)

// Roster is the parsed roster file: model catalog, role definitions and per-strategy rosters
type Roster struct {
	Catalog    []model_profile.Profile
	Roles      []*role.AgentRole
	Strategies map[collaboration.Strategy][]collaboration.RosterEntry
}

type rosterFile struct {
	Catalog    []catalogEntry               `yaml:"catalog"`
	Roles      []roleEntry                  `yaml:"roles"`
	Strategies map[string][]rosterEntryFile `yaml:"strategies"`
}

type catalogEntry struct {
	Model             string  `yaml:"model"`
	Provider          string  `yaml:"provider"`
	TaskType          string  `yaml:"task_type"`
	CostPerToken      string  `yaml:"cost_per_token"`
	AvgResponseTimeMs float64 `yaml:"avg_response_time_ms"`
	PerformanceScore  float64 `yaml:"performance_score"`
	SuccessRate       float64 `yaml:"success_rate"`
}

type roleEntry struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Description string            `yaml:"description"`
	Preferred   []role.ModelRef   `yaml:"preferred"`
	Fallback    []role.ModelRef   `yaml:"fallback"`
	Tiers       map[string]string `yaml:"tiers"`
	Weights     role.Weights      `yaml:"weights"`
}

type rosterEntryFile struct {
	Role      string   `yaml:"role"`
	Weight    *float64 `yaml:"weight"`
	Mandatory bool     `yaml:"mandatory"`
	Debater   *bool    `yaml:"debater"`
}

// LoadRoster reads and validates a roster YAML file
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read roster %s", path)
	}
	return ParseRoster(data)
}

// ParseRoster decodes and validates roster YAML
func ParseRoster(data []byte) (*Roster, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(errors.ErrConfiguration, "parse roster: %v", err)
	}

	var errs errors.MultiError
	out := &Roster{Strategies: make(map[collaboration.Strategy][]collaboration.RosterEntry)}

	for i, c := range file.Catalog {
		p, err := c.profile()
		if err != nil {
			errs.Add(errors.Wrapf(err, "catalog[%d]", i))
			continue
		}
		out.Catalog = append(out.Catalog, p)
	}

	for _, r := range file.Roles {
		out.Roles = append(out.Roles, r.agentRole())
	}
	snapshot, err := role.NewSnapshot(out.Roles)
	if err != nil {
		errs.Add(err)
	}

	names := make([]string, 0, len(file.Strategies))
	for name := range file.Strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		strategy := collaboration.Strategy(name)
		if !strategy.Valid() {
			errs.Add(errors.NewValidationError("strategies."+name, "unknown strategy", name))
			continue
		}
		entries := make([]collaboration.RosterEntry, 0, len(file.Strategies[name]))
		for _, e := range file.Strategies[name] {
			entries = append(entries, e.rosterEntry())
		}
		if snapshot != nil {
			if err := ValidateRosterEntries(snapshot, entries); err != nil {
				errs.Add(errors.Wrapf(err, "strategy %s", name))
				continue
			}
		}
		out.Strategies[strategy] = entries
	}

	if err := errs.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateRosterEntries checks a session roster against the role set: every role must exist,
// weights must be non-negative, and exactly one decision maker must be present.
func ValidateRosterEntries(roles *role.Snapshot, entries []collaboration.RosterEntry) error {
	var errs errors.MultiError
	seen := make(map[string]bool, len(entries))
	deciders := 0

	for _, e := range entries {
		r, ok := roles.Get(e.Role)
		if !ok {
			errs.Add(errors.Wrapf(errors.ErrUnknownRole, "roster references %q", e.Role))
			continue
		}
		if seen[e.Role] {
			errs.Add(errors.NewValidationError("roster."+e.Role, "listed twice", e.Role))
		}
		seen[e.Role] = true
		if e.Weight < 0 {
			errs.Add(errors.NewValidationError("roster."+e.Role+".weight", "must not be negative", e.Weight))
		}
		if r.Type == role.TypeDecisionMaker {
			deciders++
		}
	}
	if deciders != 1 {
		errs.Add(errors.NewValidationError("roster", "exactly one decision_maker role is required", deciders))
	}
	return errs.ToError()
}

func (c catalogEntry) profile() (model_profile.Profile, error) {
	if c.Model == "" || c.Provider == "" {
		return model_profile.Profile{}, errors.NewValidationError("model", "model and provider are required", c.Model)
	}
	cost := decimal.Zero
	if c.CostPerToken != "" {
		var err error
		cost, err = decimal.NewFromString(c.CostPerToken)
		if err != nil || cost.IsNegative() {
			return model_profile.Profile{}, errors.NewValidationError("cost_per_token", "must be a non-negative decimal", c.CostPerToken)
		}
	}
	if c.PerformanceScore < 0 || c.PerformanceScore > 1 {
		return model_profile.Profile{}, errors.NewValidationError("performance_score", "must be within [0,1]", c.PerformanceScore)
	}
	if c.AvgResponseTimeMs < 0 {
		return model_profile.Profile{}, errors.NewValidationError("avg_response_time_ms", "must not be negative", c.AvgResponseTimeMs)
	}
	task := c.TaskType
	if task == "" {
		task = model_profile.AnyTaskType
	}
	success := c.SuccessRate
	if success <= 0 || success > 1 {
		success = 1
	}
	return model_profile.Profile{
		Key:               model_profile.Key{ModelID: c.Model, Provider: c.Provider, TaskType: task},
		PerformanceScore:  c.PerformanceScore,
		CostPerToken:      cost,
		AvgResponseTimeMs: c.AvgResponseTimeMs,
		SuccessRate:       success,
	}, nil
}

func (r roleEntry) agentRole() *role.AgentRole {
	tiers := make(map[role.Complexity]string, len(r.Tiers))
	for k, v := range r.Tiers {
		tiers[role.Complexity(k)] = v
	}
	return &role.AgentRole{
		Name:        r.Name,
		Type:        role.Type(r.Type),
		Description: r.Description,
		Preferred:   r.Preferred,
		Fallback:    r.Fallback,
		Tiers:       tiers,
		Weights:     r.Weights,
	}
}

func (e rosterEntryFile) rosterEntry() collaboration.RosterEntry {
	weight := 1.0
	if e.Weight != nil {
		weight = *e.Weight
	}
	debater := true
	if e.Debater != nil {
		debater = *e.Debater
	}
	return collaboration.RosterEntry{Role: e.Role, Weight: weight, Mandatory: e.Mandatory, Debater: debater}
}
