package model_profile

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"
)

// Config tunes how profiles evolve
type Config struct {
	// Alpha is the EMA weight of the newest latency sample, in (0,1]
	Alpha float64
	// WindowSize bounds the trailing success window
	WindowSize int
	// StaleAfter marks profiles stale when not updated for this long
	StaleAfter time.Duration
	// Shards is the number of independently locked partitions
	Shards int
}

// DefaultConfig returns the defaults used when values are not configured
func DefaultConfig() Config {
	return Config{Alpha: 0.2, WindowSize: 20, StaleAfter: 24 * time.Hour, Shards: 32}
}

type entry struct {
	profile Profile
	window  []bool
	next    int
	filled  int
}

// newEntry starts the success window from the profile's prior rate. Observed profiles
// contribute min(Samples, size) slots; a profile never observed counts as a full window,
// so a single outcome moves the rate by at most 1/size.
func newEntry(p Profile, size int) *entry {
	e := &entry{profile: p, window: make([]bool, size)}
	n := size
	if p.Samples > 0 && p.Samples < int64(size) {
		n = int(p.Samples)
	}
	ok := int(math.Round(clampRate(p.SuccessRate) * float64(n)))
	// Prior failures are spread out and the oldest slot holds a success
	for i := 0; i < n; i++ {
		e.window[n-1-i] = (i+1)*ok/n > i*ok/n
	}
	e.filled = n
	e.next = n % size
	return e
}

func clampRate(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *entry) record(success bool, size int) {
	if len(e.window) != size {
		e.window = make([]bool, size)
		e.next, e.filled = 0, 0
	}
	e.window[e.next] = success
	e.next = (e.next + 1) % size
	if e.filled < size {
		e.filled++
	}
}

func (e *entry) successRate() float64 {
	if e.filled == 0 {
		return e.profile.SuccessRate
	}
	ok := 0
	for i := 0; i < e.filled; i++ {
		if e.window[i] {
			ok++
		}
	}
	return float64(ok) / float64(e.filled)
}

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// Registry is the live model profile table, safe for concurrent sessions.
// Each key is updated under its shard's lock only.
type Registry struct {
	cfg    Config
	shards []*shard
	now    func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	r := &Registry{cfg: cfg, shards: make([]*shard, cfg.Shards), now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[Key]*entry)}
	}
	return r
}

// SetClock replaces the time source, for tests
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Provider))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.ModelID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.TaskType))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Put inserts or replaces a profile. The success window is rebuilt from the profile's
// SuccessRate and Samples.
func (r *Registry) Put(p Profile) {
	if p.LastUpdated.IsZero() {
		p.LastUpdated = r.now()
	}
	s := r.shardFor(p.Key)
	s.mu.Lock()
	s.entries[p.Key] = newEntry(p, r.cfg.WindowSize)
	s.mu.Unlock()
}

// Get returns the profile stored under exactly this key
func (r *Registry) Get(k Key) (Profile, bool) {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[k]
	if !ok {
		return Profile{}, false
	}
	return e.profile, true
}

// Lookup returns the profile for the key, falling back to the most recently
// updated profile of the same backend under any task type
func (r *Registry) Lookup(k Key) (Profile, Estimate, bool) {
	now := r.now()
	if p, ok := r.Get(k); ok {
		return p, Estimate{Stale: p.Stale(now, r.cfg.StaleAfter)}, true
	}
	p, ok := r.latestFor(k.Backend())
	if !ok {
		return Profile{}, Estimate{}, false
	}
	return p, Estimate{LowConfidence: true, Stale: p.Stale(now, r.cfg.StaleAfter)}, true
}

func (r *Registry) latestFor(b Backend) (Profile, bool) {
	var (
		best  Profile
		found bool
	)
	for _, s := range r.shards {
		s.mu.RLock()
		for k, e := range s.entries {
			if k.ModelID != b.ModelID || k.Provider != b.Provider {
				continue
			}
			if !found || e.profile.LastUpdated.After(best.LastUpdated) ||
				(e.profile.LastUpdated.Equal(best.LastUpdated) && k.TaskType < best.TaskType) {
				best, found = e.profile, true
			}
		}
		s.mu.RUnlock()
	}
	return best, found
}

// ProviderOf returns a provider serving the model id, preferring the lexically first one
func (r *Registry) ProviderOf(modelID string) (string, bool) {
	best := ""
	for _, s := range r.shards {
		s.mu.RLock()
		for k := range s.entries {
			if k.ModelID == modelID && (best == "" || k.Provider < best) {
				best = k.Provider
			}
		}
		s.mu.RUnlock()
	}
	return best, best != ""
}

// Len returns the number of stored profiles
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Known reports whether any profile exists for the backend
func (r *Registry) Known(b Backend) bool {
	_, ok := r.latestFor(b)
	return ok
}

// ObserveBatch applies the attempts of one dispatch call and returns the updated profiles.
// Latency is folded in by EMA on successful attempts only; success rate comes from the
// trailing window. A key seen for the first time inherits the backend's latest profile.
func (r *Registry) ObserveBatch(obs []Observation) []Profile {
	updated := make(map[Key]Profile, len(obs))
	order := make([]Key, 0, len(obs))

	for _, o := range obs {
		at := o.At
		if at.IsZero() {
			at = r.now()
		}
		s := r.shardFor(o.Key)

		// Resolve the seed before taking the shard lock; latestFor locks shards itself
		seed, seeded := r.Get(o.Key)
		if !seeded {
			seed, seeded = r.latestFor(o.Key.Backend())
		}

		s.mu.Lock()
		e, ok := s.entries[o.Key]
		if !ok {
			if seeded {
				p := seed
				p.Key = o.Key
				p.Samples = 0
				e = newEntry(p, r.cfg.WindowSize)
			} else {
				e = &entry{profile: Profile{Key: o.Key, SuccessRate: 1, PerformanceScore: 0.5}}
			}
			s.entries[o.Key] = e
		}
		if o.Success && o.Latency > 0 {
			ms := float64(o.Latency) / float64(time.Millisecond)
			if e.profile.Samples == 0 && e.profile.AvgResponseTimeMs == 0 {
				e.profile.AvgResponseTimeMs = ms
			} else {
				e.profile.AvgResponseTimeMs = r.cfg.Alpha*ms + (1-r.cfg.Alpha)*e.profile.AvgResponseTimeMs
			}
		}
		e.record(o.Success, r.cfg.WindowSize)
		e.profile.SuccessRate = e.successRate()
		e.profile.Samples++
		e.profile.LastUpdated = at
		snapshot := e.profile
		s.mu.Unlock()

		if _, seen := updated[o.Key]; !seen {
			order = append(order, o.Key)
		}
		updated[o.Key] = snapshot
	}

	out := make([]Profile, 0, len(order))
	for _, k := range order {
		out = append(out, updated[k])
	}
	return out
}

// List returns every profile ordered by provider, model and task type
func (r *Registry) List() []Profile {
	var out []Profile
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e.profile)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.ModelID != b.ModelID {
			return a.ModelID < b.ModelID
		}
		return a.TaskType < b.TaskType
	})
	return out
}
