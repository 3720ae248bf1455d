package plugin

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"agentmesh/internal/agent"
	"agentmesh/internal/logging"
	"agentmesh/internal/registry"

	"go.uber.org/zap"
)

// =============================================================================
// PLUGIN LOADER
// =============================================================================
//
// Plugins contribute agent types and tools at runtime. Registration is
// dependency-ordered; shutdown unwinds in reverse. Each plugin sees only
// its own namespace.

// Status of a registered plugin.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusActive        Status = "active"
	StatusError         Status = "error"
	StatusShutdown      Status = "shutdown"
)

var (
	// ErrDuplicateName signals a register under a taken name.
	ErrDuplicateName = errors.New("plugin name already registered")
	// ErrInvalidVersion signals a version string that is not semver.
	ErrInvalidVersion = errors.New("invalid plugin version")
	// ErrMissingDependency signals an unregistered or inactive dependency.
	ErrMissingDependency = errors.New("missing plugin dependency")
	// ErrNotFound signals an operation on an unknown plugin.
	ErrNotFound = errors.New("plugin not found")
	// ErrNoContent signals a plugin with neither agent types nor tools.
	ErrNoContent = errors.New("plugin provides no agent types or tools")
	// ErrInitFailed wraps a plugin initialize failure.
	ErrInitFailed = errors.New("plugin initialize failed")
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-[\w.]+)?(?:\+[\w.]+)?$`)

// ValidVersion reports whether a version string is MAJOR.MINOR.PATCH with
// optional pre-release and build parts.
func ValidVersion(version string) bool {
	return semverPattern.MatchString(version)
}

// ToolFunc is one tool a plugin contributes.
type ToolFunc func(args map[string]any) (any, error)

// Plugin is a versioned bundle of agent factories and tools.
type Plugin struct {
	Name           string
	Version        string
	AgentFactories map[string]agent.Factory
	Tools          map[string]ToolFunc
	Config         map[string]any
	Dependencies   []string

	// Initialize and Shutdown are optional lifecycle hooks.
	Initialize func(config map[string]any) error
	Shutdown   func() error
}

// Namespace is the read-only view of one plugin's contributions.
type Namespace struct {
	Plugin     string   `json:"plugin"`
	AgentTypes []string `json:"agent_types"`
	Tools      []string `json:"tools"`
}

// Metrics describes one plugin's runtime state.
type Metrics struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Status        Status    `json:"status"`
	LoadedAt      time.Time `json:"loaded_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	UsageCount    int64     `json:"usage_count"`
	AgentTypes    int       `json:"agent_types"`
	Tools         int       `json:"tools"`
}

// UsageEvent is one entry in the loader's usage history.
type UsageEvent struct {
	Plugin    string    `json:"plugin"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

type record struct {
	plugin     *Plugin
	status     Status
	loadedAt   time.Time
	usageCount int64
	config     map[string]any
}

// terminal reports whether the record is the leftover of an unregistered
// plugin. Terminal names may be reused.
func (r *record) terminal() bool {
	return r.status == StatusShutdown || r.status == StatusError
}

// Loader registers plugins into an agent registry.
type Loader struct {
	mu       sync.Mutex
	plugins  map[string]*record
	order    []string // registration order, for reverse shutdown
	tools    map[string]ToolFunc
	usageLog []UsageEvent

	registry *registry.Registry
	log      *zap.Logger
}

// NewLoader creates a loader bound to a registry.
func NewLoader(reg *registry.Registry) *Loader {
	return &Loader{
		plugins:  make(map[string]*record),
		tools:    make(map[string]ToolFunc),
		registry: reg,
		log:      logging.Get(logging.CategoryPlugin),
	}
}

// Register validates and activates a plugin: semver check, dependency
// check, initialize hook, then agent types and namespaced tools go live in
// the registry. The record holds StatusUninitialized while the initialize
// hook runs; nothing is registered on failure.
func (l *Loader) Register(p *Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin has no name")
	}
	if !ValidVersion(p.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, p.Version)
	}
	if len(p.AgentFactories) == 0 && len(p.Tools) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContent, p.Name)
	}

	l.mu.Lock()
	if rec, exists := l.plugins[p.Name]; exists && !rec.terminal() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
	}
	for _, dep := range p.Dependencies {
		rec, ok := l.plugins[dep]
		if !ok || rec.status != StatusActive {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s needs %s", ErrMissingDependency, p.Name, dep)
		}
	}
	// The uninitialized record holds the name while the initialize hook
	// runs, so a concurrent register cannot win it.
	rec := &record{
		plugin:   p,
		status:   StatusUninitialized,
		loadedAt: time.Now().UTC(),
		config:   copyConfig(p.Config),
	}
	l.plugins[p.Name] = rec
	l.mu.Unlock()

	if p.Initialize != nil {
		if err := p.Initialize(p.Config); err != nil {
			l.mu.Lock()
			delete(l.plugins, p.Name)
			l.mu.Unlock()
			return fmt.Errorf("%w: %s: %v", ErrInitFailed, p.Name, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec.status = StatusActive
	rec.loadedAt = time.Now().UTC()
	l.order = append(l.order, p.Name)

	for typeName, factory := range p.AgentFactories {
		factory := factory
		l.registry.RegisterType(typeName, func(cfg agent.Config) (agent.Agent, error) {
			l.recordUse(p.Name)
			return factory(cfg)
		})
	}
	for toolName, tool := range p.Tools {
		l.tools[p.Name+"."+toolName] = tool
	}

	l.usageLog = append(l.usageLog, UsageEvent{
		Plugin: p.Name, Action: "registered", Timestamp: rec.loadedAt,
	})
	l.log.Info("plugin registered",
		zap.String("name", p.Name), zap.String("version", p.Version))
	return nil
}

// Unregister deactivates a plugin and removes its agent types and tools.
// The record stays queryable: StatusShutdown after a clean stop,
// StatusError when the shutdown hook failed. Either way the name is free
// for re-registration.
func (l *Loader) Unregister(name string) error {
	l.mu.Lock()
	rec, ok := l.plugins[name]
	if !ok || rec.terminal() {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	p := rec.plugin
	rec.status = StatusShutdown

	for typeName := range p.AgentFactories {
		l.registry.UnregisterType(typeName)
	}
	for toolName := range p.Tools {
		delete(l.tools, name+"."+toolName)
	}
	for i, n := range l.order {
		if n == name {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.usageLog = append(l.usageLog, UsageEvent{
		Plugin: name, Action: "unregistered", Timestamp: time.Now().UTC(),
	})
	l.mu.Unlock()

	if p.Shutdown != nil {
		if err := p.Shutdown(); err != nil {
			l.mu.Lock()
			rec.status = StatusError
			l.mu.Unlock()
			l.log.Warn("plugin shutdown hook failed",
				zap.String("name", name), zap.Error(err))
		}
	}
	return nil
}

// Reload replaces a plugin: unregister the old, register the new.
func (l *Loader) Reload(name string, replacement *Plugin) error {
	if err := l.Unregister(name); err != nil {
		return err
	}
	return l.Register(replacement)
}

// ShutdownAll unregisters every plugin in reverse registration order.
func (l *Loader) ShutdownAll() {
	l.mu.Lock()
	names := make([]string, len(l.order))
	copy(names, l.order)
	l.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		if err := l.Unregister(names[i]); err != nil {
			l.log.Warn("plugin unregister during shutdown failed",
				zap.String("name", names[i]), zap.Error(err))
		}
	}
}

// Get returns a plugin's status. Unregistered plugins stay visible in
// their terminal state until the name is reused. Ok is false for unknown
// names.
func (l *Loader) Get(name string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plugins[name]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// List returns the registered plugin names in registration order.
func (l *Loader) List() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Tool returns a namespaced tool ("plugin.tool").
func (l *Loader) Tool(qualified string) (ToolFunc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tool, ok := l.tools[qualified]
	return tool, ok
}

// GetNamespace returns the read-only view of one plugin's contributions.
// The loader never merges namespaces between plugins.
func (l *Loader) GetNamespace(name string) (Namespace, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plugins[name]
	if !ok {
		return Namespace{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	ns := Namespace{Plugin: name}
	for typeName := range rec.plugin.AgentFactories {
		ns.AgentTypes = append(ns.AgentTypes, typeName)
	}
	for toolName := range rec.plugin.Tools {
		ns.Tools = append(ns.Tools, name+"."+toolName)
	}
	sort.Strings(ns.AgentTypes)
	sort.Strings(ns.Tools)
	return ns, nil
}

// GetConfig returns a copy of the loader's view of a plugin's config.
func (l *Loader) GetConfig(name string) (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return copyConfig(rec.config), nil
}

// UpdateConfig merges updates into the plugin's config map and the
// loader's copy.
func (l *Loader) UpdateConfig(name string, updates map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.plugin.Config == nil {
		rec.plugin.Config = make(map[string]any)
	}
	for k, v := range updates {
		rec.plugin.Config[k] = v
		rec.config[k] = v
	}
	return nil
}

// GetMetrics returns a plugin's runtime metrics.
func (l *Loader) GetMetrics(name string) (Metrics, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.plugins[name]
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Metrics{
		Name:          name,
		Version:       rec.plugin.Version,
		Status:        rec.status,
		LoadedAt:      rec.loadedAt,
		UptimeSeconds: time.Since(rec.loadedAt).Seconds(),
		UsageCount:    rec.usageCount,
		AgentTypes:    len(rec.plugin.AgentFactories),
		Tools:         len(rec.plugin.Tools),
	}, nil
}

// UsageHistory returns a copy of the loader's usage event log.
func (l *Loader) UsageHistory() []UsageEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]UsageEvent, len(l.usageLog))
	copy(out, l.usageLog)
	return out
}

func (l *Loader) recordUse(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.plugins[name]; ok {
		rec.usageCount++
		l.usageLog = append(l.usageLog, UsageEvent{
			Plugin: name, Action: "agent_created", Timestamp: time.Now().UTC(),
		})
	}
}

func copyConfig(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}
