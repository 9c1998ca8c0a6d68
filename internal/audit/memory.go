package audit

import (
	"context"
	"sort"
	"sync"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/domain/model_profile"
	"agentrouter/internal/domain/routing"
)

type eventKey struct {
	session  string
	sequence int
}

// MemoryLog keeps the audit trail in process. Used in tests and as the default sink.
type MemoryLog struct {
	mu        sync.RWMutex
	decisions map[string]*routing.Decision
	order     []string
	events    map[eventKey]*collaboration.Event
	profiles  map[model_profile.Key]model_profile.Profile
}

// NewMemoryLog creates an empty log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		decisions: make(map[string]*routing.Decision),
		events:    make(map[eventKey]*collaboration.Event),
		profiles:  make(map[model_profile.Key]model_profile.Profile),
	}
}

func (m *MemoryLog) Name() string { return "memory" }

func (m *MemoryLog) AppendRoutingDecision(_ context.Context, d *routing.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.ID]; ok {
		return nil
	}
	m.decisions[d.ID] = d
	m.order = append(m.order, d.ID)
	return nil
}

func (m *MemoryLog) AppendCollaborationEvent(_ context.Context, sessionID string, e *collaboration.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey{session: sessionID, sequence: e.Sequence}
	if _, ok := m.events[k]; ok {
		return nil
	}
	m.events[k] = e
	return nil
}

func (m *MemoryLog) UpsertModelProfile(_ context.Context, key model_profile.Key, p *model_profile.Profile) error {
	m.mu.Lock()
	m.profiles[key] = *p
	m.mu.Unlock()
	return nil
}

// RoutingDecisions returns a session's decisions in append order. An empty session id returns all.
func (m *MemoryLog) RoutingDecisions(_ context.Context, sessionID string) ([]*routing.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*routing.Decision, 0)
	for _, id := range m.order {
		d := m.decisions[id]
		if sessionID == "" || d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out, nil
}

// CollaborationEvents returns a session's events ordered by sequence
func (m *MemoryLog) CollaborationEvents(_ context.Context, sessionID string) ([]*collaboration.Event, error) {
	m.mu.RLock()
	out := make([]*collaboration.Event, 0)
	for k, e := range m.events {
		if k.session == sessionID {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListModelProfiles returns every stored profile
func (m *MemoryLog) ListModelProfiles(_ context.Context) ([]*model_profile.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model_profile.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		p := p
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
