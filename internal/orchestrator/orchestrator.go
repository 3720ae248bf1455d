package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentmesh/internal/agent"
	"agentmesh/internal/bus"
	"agentmesh/internal/logging"
	"agentmesh/internal/registry"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================
//
// Owns the agent population: spawn admission, the parent/child hierarchy,
// message routing, and health. Lifecycle changes are announced on the
// system topic.

// SystemTopic carries lifecycle and health events.
const SystemTopic = "system"

// DefaultMaxConcurrent bounds the active agent population.
const DefaultMaxConcurrent = 50

// DefaultHealthInterval is the health sweep cadence.
const DefaultHealthInterval = 30 * time.Second

var (
	// ErrCapacityExceeded signals a spawn above the concurrency bound.
	ErrCapacityExceeded = errors.New("agent capacity exceeded")
	// ErrUnknownParent signals a spawn naming an unregistered parent.
	ErrUnknownParent = errors.New("unknown parent agent")
	// ErrParentCannotSpawn signals a parent without spawn rights.
	ErrParentCannotSpawn = errors.New("parent cannot spawn children")
)

// SpawnRequest is the spawn envelope.
type SpawnRequest struct {
	AgentType    string         `mapstructure:"agent_type" json:"agent_type"`
	Capabilities []string       `mapstructure:"capabilities" json:"capabilities"`
	Context      map[string]any `mapstructure:"context" json:"context"`
	ParentID     string         `mapstructure:"parent_id" json:"parent_id,omitempty"`
	Priority     int            `mapstructure:"priority" json:"priority,omitempty"`
}

// DecodeSpawnRequest decodes the wire form of a spawn request.
func DecodeSpawnRequest(raw map[string]any) (*SpawnRequest, error) {
	var req SpawnRequest
	if err := mapstructure.Decode(raw, &req); err != nil {
		return nil, fmt.Errorf("decode spawn request: %w", err)
	}
	return &req, nil
}

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrent  int
	HealthInterval time.Duration
	SpawnQueueSize int
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  DefaultMaxConcurrent,
		HealthInterval: DefaultHealthInterval,
		SpawnQueueSize: 100,
	}
}

// spawnRecord remembers how an agent was built so the health sweep can
// restart it.
type spawnRecord struct {
	request *SpawnRequest
	context agent.Context
}

// Orchestrator drives the agent population.
type Orchestrator struct {
	registry *registry.Registry
	queue    *bus.Queue
	config   Config

	mu      sync.Mutex
	active  map[string]*spawnRecord
	started bool

	spawnCh chan *SpawnRequest
	stopCh  chan struct{}
	wg      sync.WaitGroup

	log *zap.Logger
}

// New creates an orchestrator over a registry and queue.
func New(reg *registry.Registry, queue *bus.Queue, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.SpawnQueueSize <= 0 {
		cfg.SpawnQueueSize = 100
	}
	return &Orchestrator{
		registry: reg,
		queue:    queue,
		config:   cfg,
		active:   make(map[string]*spawnRecord),
		spawnCh:  make(chan *SpawnRequest, cfg.SpawnQueueSize),
		stopCh:   make(chan struct{}),
		log:      logging.Get(logging.CategoryOrchestrator),
	}
}

// Spawn admits and starts one agent. Returns the new agent id.
func (o *Orchestrator) Spawn(req *SpawnRequest) (string, error) {
	if _, err := agent.ParseCapabilities(req.Capabilities); err != nil {
		return "", err
	}
	if !o.registry.HasType(req.AgentType) {
		return "", fmt.Errorf("%w: %s", registry.ErrUnknownType, req.AgentType)
	}
	if req.ParentID != "" {
		parent, ok := o.registry.Get(req.ParentID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownParent, req.ParentID)
		}
		if !parent.CanSpawnChildren() {
			return "", fmt.Errorf("%w: %s", ErrParentCannotSpawn, req.ParentID)
		}
	}

	ctx, err := agent.DecodeContext(req.Context)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if len(o.active) >= o.config.MaxConcurrent {
		o.mu.Unlock()
		o.publishSystemEvent(map[string]any{
			"type":       "spawn_failed",
			"agent_type": req.AgentType,
			"error":      ErrCapacityExceeded.Error(),
		})
		return "", fmt.Errorf("%w: %d active", ErrCapacityExceeded, o.config.MaxConcurrent)
	}
	// Hold the slot while the agent is built so concurrent spawns cannot
	// overshoot the bound.
	reservation := uuid.NewString()
	o.active[reservation] = nil
	o.mu.Unlock()

	a, err := o.buildAgent(req, ctx, "")
	o.mu.Lock()
	delete(o.active, reservation)
	if err == nil {
		o.active[a.ID()] = &spawnRecord{request: req, context: ctx}
	}
	o.mu.Unlock()
	if err != nil {
		return "", err
	}

	o.publishSystemEvent(map[string]any{
		"type":      "agent_spawned",
		"agent_id":  a.ID(),
		"parent_id": req.ParentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	o.log.Info("agent spawned",
		zap.String("agent_id", a.ID()), zap.String("type", req.AgentType))
	return a.ID(), nil
}

// buildAgent creates, initialises, registers and starts an agent. An
// explicit id is used on restart; empty means generate.
func (o *Orchestrator) buildAgent(req *SpawnRequest, ctx agent.Context, id string) (agent.Agent, error) {
	caps, _ := agent.ParseCapabilities(req.Capabilities)
	a, err := o.registry.Create(agent.Config{
		ID:               id,
		Type:             req.AgentType,
		Capabilities:     caps,
		ParentID:         req.ParentID,
		CanSpawnChildren: true,
		Queue:            o.queue,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := o.registry.Register(a); err != nil {
		return nil, err
	}
	if runnable, ok := a.(interface{ Run() }); ok {
		runnable.Run()
	}
	return a, nil
}

// SpawnParallel spawns a batch concurrently, fail-fast: on the first
// failure remaining work is cancelled and the error is returned together
// with the ids that did succeed, in request order.
func (o *Orchestrator) SpawnParallel(reqs []*SpawnRequest) ([]string, error) {
	g, ctx := errgroup.WithContext(context.Background())
	ids := make([]string, len(reqs))

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			id, err := o.Spawn(req)
			if err != nil {
				return fmt.Errorf("spawn %d (%s): %w", i, req.AgentType, err)
			}
			ids[i] = id
			return nil
		})
	}
	err := g.Wait()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out, err
}

// Send routes a payload to one agent's in-box at normal priority. Returns
// the message id.
func (o *Orchestrator) Send(source, target string, payload map[string]any) string {
	msg := bus.NewMessage("agent."+target, payload, bus.PriorityNormal)
	msg.SourceAgentID = source
	msg.TargetAgentID = target
	o.queue.PublishMessage(msg)
	return msg.ID
}

// Broadcast sends a payload to every active agent other than the sender,
// optionally filtered by capability. Returns the number of deliveries.
func (o *Orchestrator) Broadcast(source string, payload map[string]any, capFilter ...agent.Capability) int {
	var targets []agent.Agent
	if len(capFilter) > 0 {
		targets = o.registry.Find(registry.Filter{Capabilities: capFilter})
	} else {
		targets = o.registry.ListAll()
	}

	sent := 0
	for _, a := range targets {
		if a.ID() == source || a.Status() == agent.StatusTerminated {
			continue
		}
		o.Send(source, a.ID(), payload)
		sent++
	}
	return sent
}

// FindByCapability delegates to the registry.
func (o *Orchestrator) FindByCapability(c agent.Capability) []agent.Agent {
	return o.registry.ListByCapability(c)
}

// Pause suspends an agent.
func (o *Orchestrator) Pause(id string) error {
	a, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	if err := a.Pause(); err != nil {
		return err
	}
	o.publishSystemEvent(map[string]any{"type": "agent_paused", "agent_id": id})
	return nil
}

// Resume returns a paused agent to service.
func (o *Orchestrator) Resume(id string) error {
	a, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownAgent, id)
	}
	if err := a.Resume(); err != nil {
		return err
	}
	o.publishSystemEvent(map[string]any{"type": "agent_resumed", "agent_id": id})
	return nil
}

// Terminate tears an agent down, descendants first (post-order), and
// removes it from the registry. Idempotent for unknown ids.
func (o *Orchestrator) Terminate(id string) error {
	a, ok := o.registry.Get(id)
	if !ok {
		return nil
	}

	for _, child := range o.registry.Children(id) {
		if err := o.Terminate(child.ID()); err != nil {
			return err
		}
	}

	if err := a.Terminate(); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
	if err := o.registry.Unregister(id); err != nil && !errors.Is(err, registry.ErrUnknownAgent) {
		return err
	}
	o.publishSystemEvent(map[string]any{
		"type":     "agent_terminated",
		"agent_id": id,
		"status":   string(agent.StatusTerminated),
	})
	return nil
}

// TerminateAll tears down every root agent (cascading to descendants).
func (o *Orchestrator) TerminateAll() {
	for _, a := range o.registry.ListAll() {
		if a.ParentID() == "" {
			if err := o.Terminate(a.ID()); err != nil {
				o.log.Warn("terminate failed", zap.String("agent_id", a.ID()), zap.Error(err))
			}
		}
	}
	// Orphans whose parents were never registered.
	for _, a := range o.registry.ListAll() {
		if err := o.Terminate(a.ID()); err != nil {
			o.log.Warn("terminate failed", zap.String("agent_id", a.ID()), zap.Error(err))
		}
	}
}

// ActiveCount returns the admitted agent population.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

func (o *Orchestrator) publishSystemEvent(payload map[string]any) {
	o.queue.Publish(payload, SystemTopic, bus.PriorityHigh)
}
