package agent

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/internal/bus"
	"agentmesh/internal/logging"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// =============================================================================
// AGENT CONTRACT
// =============================================================================

// Status is an agent's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusBusy         Status = "busy"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// Context is the spawn-request context envelope.
type Context struct {
	ResearchID   string         `mapstructure:"research_id" json:"research_id"`
	UserID       string         `mapstructure:"user_id" json:"user_id"`
	SessionID    string         `mapstructure:"session_id" json:"session_id"`
	SharedMemory map[string]any `mapstructure:"shared_memory" json:"shared_memory,omitempty"`
	Constraints  map[string]any `mapstructure:"constraints" json:"constraints,omitempty"`
	Metadata     map[string]any `mapstructure:"metadata" json:"metadata,omitempty"`
}

// DecodeContext decodes the opaque context map of a spawn request.
func DecodeContext(raw map[string]any) (Context, error) {
	var ctx Context
	if err := mapstructure.Decode(raw, &ctx); err != nil {
		return Context{}, fmt.Errorf("decode agent context: %w", err)
	}
	return ctx, nil
}

// Agent is the uniform contract the kernel drives. Implementations embed
// Base and override the hooks they need.
type Agent interface {
	ID() string
	Type() string
	Capabilities() []Capability
	Status() Status
	ParentID() string
	CanSpawnChildren() bool
	Context() Context

	Initialize(ctx Context) error
	Terminate() error
	Pause() error
	Resume() error
	HealthProbe() bool
	ProcessMessage(msg *bus.Message) error
	OnError(err error, msg *bus.Message)
	Metrics() Metrics
}

// MessageFunc is the pluggable message behaviour of a Base agent.
type MessageFunc func(a *Base, msg *bus.Message) error

// Metrics is the per-agent operational snapshot.
type Metrics struct {
	AgentID           string         `json:"agent_id"`
	Type              string         `json:"type"`
	Status            Status         `json:"status"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
	MessagesProcessed int64          `json:"messages_processed"`
	Errors            int64          `json:"errors"`
	InboxBacklog      int            `json:"inbox_backlog"`
	LastActivity      time.Time      `json:"last_activity"`
	Custom            map[string]any `json:"custom,omitempty"`
}

// Config carries everything a factory needs to build an agent.
type Config struct {
	ID               string
	Type             string
	Capabilities     []Capability
	ParentID         string
	CanSpawnChildren bool
	Queue            *bus.Queue
	OnMessage        MessageFunc
	CustomMetrics    func() map[string]any
}

// Factory builds an agent of one registered type.
type Factory func(cfg Config) (Agent, error)

// -----------------------------------------------------------------------------
// Base Agent
// -----------------------------------------------------------------------------

// inboxTick is how long one in-box dequeue blocks.
const inboxTick = time.Second

// pausedBackoff is the sleep after re-enqueueing a message while paused.
const pausedBackoff = 100 * time.Millisecond

// Base implements the agent contract with a driven in-box loop. Concrete
// types supply an OnMessage hook; everything else has workable defaults.
type Base struct {
	id               string
	agentType        string
	capabilities     []Capability
	parentID         string
	canSpawnChildren bool

	mu           sync.RWMutex
	status       Status
	context      Context
	lastActivity time.Time

	createdAt time.Time
	queue     *bus.Queue

	onMessage     MessageFunc
	customMetrics func() map[string]any

	messagesProcessed atomic.Int64
	errorCount        atomic.Int64

	loopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log *zap.Logger
}

// NewBase builds a base agent from a config. A missing id gets a generated
// one; a missing OnMessage hook means messages are consumed and counted
// without further effect.
func NewBase(cfg Config) *Base {
	if cfg.ID == "" {
		cfg.ID = cfg.Type + "-" + uuid.NewString()[:8]
	}
	return &Base{
		id:               cfg.ID,
		agentType:        cfg.Type,
		capabilities:     cfg.Capabilities,
		parentID:         cfg.ParentID,
		canSpawnChildren: cfg.CanSpawnChildren,
		status:           StatusInitializing,
		createdAt:        time.Now().UTC(),
		lastActivity:     time.Now().UTC(),
		queue:            cfg.Queue,
		onMessage:        cfg.OnMessage,
		customMetrics:    cfg.CustomMetrics,
		stopCh:           make(chan struct{}),
		log:              logging.Get(logging.CategoryAgent).With(zap.String("agent_id", cfg.ID)),
	}
}

func (a *Base) ID() string                 { return a.id }
func (a *Base) Type() string               { return a.agentType }
func (a *Base) Capabilities() []Capability { return a.capabilities }
func (a *Base) ParentID() string           { return a.parentID }
func (a *Base) CanSpawnChildren() bool     { return a.canSpawnChildren }

// InboxTopic is the bus topic this agent consumes.
func (a *Base) InboxTopic() string { return "agent." + a.id }

// Status returns the current lifecycle state.
func (a *Base) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

func (a *Base) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Context returns the context the agent was initialised with.
func (a *Base) Context() Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.context
}

// Initialize stores the context and moves the agent to READY.
func (a *Base) Initialize(ctx Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusTerminated {
		return fmt.Errorf("agent %s is terminated", a.id)
	}
	a.context = ctx
	a.status = StatusReady
	a.lastActivity = time.Now().UTC()
	return nil
}

// Pause suspends message processing. Messages arriving while paused are
// re-enqueued untouched.
func (a *Base) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.status {
	case StatusReady, StatusBusy:
		a.status = StatusPaused
		return nil
	case StatusPaused:
		return nil
	default:
		return fmt.Errorf("cannot pause agent %s in status %s", a.id, a.status)
	}
}

// Resume returns a paused agent to READY.
func (a *Base) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusPaused {
		return fmt.Errorf("cannot resume agent %s in status %s", a.id, a.status)
	}
	a.status = StatusReady
	return nil
}

// Terminate stops the in-box loop and marks the agent TERMINATED.
// Idempotent.
func (a *Base) Terminate() error {
	a.mu.Lock()
	if a.status == StatusTerminated {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusTerminated
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
	if a.queue != nil {
		a.queue.PurgeTopic(a.InboxTopic())
	}
	a.log.Debug("agent terminated")
	return nil
}

// MarkError moves the agent to ERROR from any non-terminal state.
func (a *Base) MarkError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusTerminated {
		a.status = StatusError
	}
}

// HealthProbe reports whether the agent is operable: not in ERROR or
// TERMINATED, and its in-box backlog is within bounds.
func (a *Base) HealthProbe() bool {
	status := a.Status()
	if status == StatusError || status == StatusTerminated {
		return false
	}
	if a.queue != nil && a.queue.TopicBacklog(a.InboxTopic()) > UnhealthyBacklog {
		return false
	}
	return true
}

// UnhealthyBacklog is the in-box depth beyond which an agent counts as
// unhealthy.
const UnhealthyBacklog = 100

// ProcessMessage dispatches to the OnMessage hook.
func (a *Base) ProcessMessage(msg *bus.Message) error {
	if a.onMessage == nil {
		return nil
	}
	return a.onMessage(a, msg)
}

// OnError logs the failure. Hook for overrides via composition.
func (a *Base) OnError(err error, msg *bus.Message) {
	id := ""
	if msg != nil {
		id = msg.ID
	}
	a.log.Warn("message processing failed", zap.String("message_id", id), zap.Error(err))
}

// Run starts the in-box loop. Safe to call once; later calls are no-ops.
func (a *Base) Run() {
	a.loopOnce.Do(func() {
		a.wg.Add(1)
		go a.loop()
	})
}

// loop is the kernel-driven message pump: dequeue with a 1 s tick, requeue
// while paused, process as BUSY otherwise. Errors flip the agent to ERROR
// for the health sweep to repair.
func (a *Base) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		msg := a.queue.Consume(a.InboxTopic(), inboxTick)
		if msg == nil {
			continue
		}

		if a.Status() == StatusPaused {
			// Requeue keeps the original priority and timestamp and skips
			// the subscriber fan-out; pausing must not lose messages or
			// redeliver them.
			a.queue.Requeue(msg)
			select {
			case <-a.stopCh:
				return
			case <-time.After(pausedBackoff):
			}
			continue
		}

		prev := a.Status()
		a.setStatus(StatusBusy)
		err := a.ProcessMessage(msg)
		a.mu.Lock()
		a.lastActivity = time.Now().UTC()
		a.mu.Unlock()

		if err != nil {
			a.errorCount.Add(1)
			a.MarkError()
			a.OnError(err, msg)
			continue
		}
		a.messagesProcessed.Add(1)
		if prev == StatusBusy {
			prev = StatusReady
		}
		// Terminate may have raced the processing.
		if a.Status() == StatusBusy {
			a.setStatus(prev)
		}
	}
}

// Metrics returns the agent's operational snapshot.
func (a *Base) Metrics() Metrics {
	a.mu.RLock()
	lastActivity := a.lastActivity
	status := a.status
	a.mu.RUnlock()

	m := Metrics{
		AgentID:           a.id,
		Type:              a.agentType,
		Status:            status,
		UptimeSeconds:     time.Since(a.createdAt).Seconds(),
		MessagesProcessed: a.messagesProcessed.Load(),
		Errors:            a.errorCount.Load(),
		LastActivity:      lastActivity,
	}
	if a.queue != nil {
		m.InboxBacklog = a.queue.TopicBacklog(a.InboxTopic())
	}
	if a.customMetrics != nil {
		m.Custom = a.customMetrics()
	}
	return m
}
