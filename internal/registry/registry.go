package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"agentmesh/internal/agent"
	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// AGENT REGISTRY
// =============================================================================
//
// Canonical agent table plus the type, capability and parent indices. One
// mutex serialises every public operation; the indices never drift from
// the table.

var (
	// ErrUnknownType signals a create for a type no factory was
	// registered for.
	ErrUnknownType = errors.New("unknown agent type")
	// ErrUnknownAgent signals an operation on an id not in the table.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrDuplicateAgent signals a register of an id already present.
	ErrDuplicateAgent = errors.New("agent already registered")
	// ErrTerminatedAgent signals a register of a terminated agent.
	ErrTerminatedAgent = errors.New("terminated agent cannot be registered")
)

// record is the table row for one agent.
type record struct {
	agent        agent.Agent
	registeredAt time.Time
	lastSeen     time.Time
	metadata     map[string]any
}

// Registry is the agent catalogue.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]*record
	factories map[string]agent.Factory

	byType       map[string]map[string]bool
	byCapability map[agent.Capability]map[string]bool
	byParent     map[string]map[string]bool

	log *zap.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		agents:       make(map[string]*record),
		factories:    make(map[string]agent.Factory),
		byType:       make(map[string]map[string]bool),
		byCapability: make(map[agent.Capability]map[string]bool),
		byParent:     make(map[string]map[string]bool),
		log:          logging.Get(logging.CategoryRegistry),
	}
}

// RegisterType installs a factory under a type name. Re-registering a name
// replaces the factory; plugin reloads depend on that.
func (r *Registry) RegisterType(name string, factory agent.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// UnregisterType removes a factory.
func (r *Registry) UnregisterType(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, name)
}

// HasType reports whether a factory exists for the type.
func (r *Registry) HasType(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	return ok
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create invokes the type's factory. The caller registers the result.
func (r *Registry) Create(cfg agent.Config) (agent.Agent, error) {
	r.mu.Lock()
	factory, ok := r.factories[cfg.Type]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	return factory(cfg)
}

// Register inserts an agent into the table and every index.
func (r *Registry) Register(a agent.Agent) error {
	if a.Status() == agent.StatusTerminated {
		return fmt.Errorf("%w: %s", ErrTerminatedAgent, a.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	now := time.Now().UTC()
	r.agents[id] = &record{
		agent:        a,
		registeredAt: now,
		lastSeen:     now,
		metadata:     make(map[string]any),
	}
	addIndex(r.byType, a.Type(), id)
	for _, c := range a.Capabilities() {
		addIndex(r.byCapability, c, id)
	}
	if parent := a.ParentID(); parent != "" {
		addIndex(r.byParent, parent, id)
	}
	r.log.Debug("agent registered",
		zap.String("agent_id", id), zap.String("type", a.Type()))
	return nil
}

// Unregister removes an agent from the table and every index. Unknown ids
// return ErrUnknownAgent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	delete(r.agents, id)

	a := rec.agent
	dropIndex(r.byType, a.Type(), id)
	for _, c := range a.Capabilities() {
		dropIndex(r.byCapability, c, id)
	}
	if parent := a.ParentID(); parent != "" {
		dropIndex(r.byParent, parent, id)
	}
	return nil
}

// Get returns an agent by id, refreshing its last-seen time.
func (r *Registry) Get(id string) (agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	rec.lastSeen = time.Now().UTC()
	return rec.agent, true
}

// ListAll returns every registered agent.
func (r *Registry) ListAll() []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.agent)
	}
	return out
}

// ListByType returns agents of one type.
func (r *Registry) ListByType(agentType string) []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(r.byType[agentType])
}

// ListByCapability returns agents advertising one capability.
func (r *Registry) ListByCapability(c agent.Capability) []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(r.byCapability[c])
}

// ListByStatus returns agents currently in one status.
func (r *Registry) ListByStatus(status agent.Status) []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Agent
	for _, rec := range r.agents {
		if rec.agent.Status() == status {
			out = append(out, rec.agent)
		}
	}
	return out
}

// Filter narrows a Find query. Zero values mean "any".
type Filter struct {
	Type         string
	Capabilities []agent.Capability
	Status       agent.Status
}

// Find returns agents matching every set filter field.
func (r *Registry) Find(f Filter) []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agent.Agent
	for _, rec := range r.agents {
		a := rec.agent
		if f.Type != "" && a.Type() != f.Type {
			continue
		}
		if f.Status != "" && a.Status() != f.Status {
			continue
		}
		if !agent.HasAll(a.Capabilities(), f.Capabilities) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Children returns an agent's direct children.
func (r *Registry) Children(id string) []agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectLocked(r.byParent[id])
}

// Parent returns an agent's parent, if it has one and it is registered.
func (r *Registry) Parent(id string) (agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok || rec.agent.ParentID() == "" {
		return nil, false
	}
	parentRec, ok := r.agents[rec.agent.ParentID()]
	if !ok {
		return nil, false
	}
	return parentRec.agent, true
}

// Ancestry returns the chain of parent ids from the agent up to the root,
// nearest first.
func (r *Registry) Ancestry(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var chain []string
	for {
		rec, ok := r.agents[id]
		if !ok || rec.agent.ParentID() == "" {
			return chain
		}
		id = rec.agent.ParentID()
		chain = append(chain, id)
	}
}

// Descendants returns every transitive child id, depth-first.
func (r *Registry) Descendants(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.descendantsLocked(id)
}

func (r *Registry) descendantsLocked(id string) []string {
	var out []string
	children := make([]string, 0, len(r.byParent[id]))
	for child := range r.byParent[id] {
		children = append(children, child)
	}
	sort.Strings(children)
	for _, child := range children {
		out = append(out, child)
		out = append(out, r.descendantsLocked(child)...)
	}
	return out
}

// Metadata returns a copy of an agent's registry metadata.
func (r *Registry) Metadata(id string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	out := make(map[string]any, len(rec.metadata))
	for k, v := range rec.metadata {
		out[k] = v
	}
	return out, nil
}

// UpdateMetadata merges keys into an agent's registry metadata.
func (r *Registry) UpdateMetadata(id string, updates map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	for k, v := range updates {
		rec.metadata[k] = v
	}
	return nil
}

// Statistics summarises the catalogue.
type Statistics struct {
	TotalAgents  int            `json:"total_agents"`
	ByType       map[string]int `json:"by_type"`
	ByStatus     map[string]int `json:"by_status"`
	ByCapability map[string]int `json:"by_capability"`
	ParentLinks  int            `json:"parent_links"`
}

// Stats returns catalogue counts by type, status and capability.
func (r *Registry) Stats() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{
		TotalAgents:  len(r.agents),
		ByType:       make(map[string]int),
		ByStatus:     make(map[string]int),
		ByCapability: make(map[string]int),
	}
	for _, rec := range r.agents {
		a := rec.agent
		stats.ByType[a.Type()]++
		stats.ByStatus[string(a.Status())]++
		for _, c := range a.Capabilities() {
			stats.ByCapability[string(c)]++
		}
		if a.ParentID() != "" {
			stats.ParentLinks++
		}
	}
	return stats
}

func (r *Registry) collectLocked(ids map[string]bool) []agent.Agent {
	out := make([]agent.Agent, 0, len(ids))
	for id := range ids {
		if rec, ok := r.agents[id]; ok {
			out = append(out, rec.agent)
		}
	}
	return out
}

func addIndex[K comparable](index map[K]map[string]bool, key K, id string) {
	if index[key] == nil {
		index[key] = make(map[string]bool)
	}
	index[key][id] = true
}

func dropIndex[K comparable](index map[K]map[string]bool, key K, id string) {
	delete(index[key], id)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}
