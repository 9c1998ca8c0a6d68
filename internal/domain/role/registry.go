package role

import (
	"sort"
	"sync/atomic"
	"time"

	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// Snapshot is an immutable, validated set of roles
type Snapshot struct {
	roles    map[string]*AgentRole
	version  int64
	loadedAt time.Time
}

// NewSnapshot validates the roles and freezes copies of them
func NewSnapshot(roles []*AgentRole) (*Snapshot, error) {
	var errs errors.MultiError
	frozen := make(map[string]*AgentRole, len(roles))
	for _, r := range roles {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			errs.Add(err)
			continue
		}
		if _, dup := frozen[r.Name]; dup {
			errs.Add(errors.NewValidationError("roles."+r.Name, "duplicate role name", r.Name))
			continue
		}
		frozen[r.Name] = r.clone()
	}
	if err := errs.ToError(); err != nil {
		return nil, err
	}
	return &Snapshot{roles: frozen, loadedAt: time.Now()}, nil
}

// Get returns a role by name
func (s *Snapshot) Get(name string) (*AgentRole, bool) {
	r, ok := s.roles[name]
	return r, ok
}

// Names returns role names in lexical order
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of roles
func (s *Snapshot) Len() int { return len(s.roles) }

// Version increases by one on every successful swap
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt returns when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Registry holds the current role snapshot.
// Reloads replace the whole snapshot; readers holding an older one keep a consistent view.
type Registry struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
	log     *logger.Logger
}

// NewRegistry builds a registry from an initial role set
func NewRegistry(roles []*AgentRole) (*Registry, error) {
	r := &Registry{log: logger.Get().With("component", "role_registry")}
	if err := r.Swap(roles); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns the snapshot in effect now
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Get resolves a role from the current snapshot
func (r *Registry) Get(name string) (*AgentRole, error) {
	role, ok := r.Snapshot().Get(name)
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownRole, "%s", name)
	}
	return role, nil
}

// Swap validates a new role set and installs it atomically.
// On validation failure the previous snapshot stays in place.
func (r *Registry) Swap(roles []*AgentRole) error {
	snap, err := NewSnapshot(roles)
	if err != nil {
		return errors.Wrap(err, "role registry swap rejected")
	}
	snap.version = r.version.Add(1)
	r.current.Store(snap)
	r.log.Infof("Role registry loaded: %d roles (version %d)", snap.Len(), snap.version)
	return nil
}
