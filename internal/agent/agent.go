// Package agent implements the per-agent lifecycle state machine: trigger
// matching, conditional execution, task retry with backoff, hook
// invocation, and role-dependent failure recovery.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/zeroshot/internal/bus"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/task"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// State is the run state of a cluster member.
type State string

const (
	StateIdle            State = "idle"
	StateEvaluatingLogic State = "evaluating_logic"
	StateBuildingContext State = "building_context"
	StateExecutingTask   State = "executing_task"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateError           State = "error"
	StateStopped         State = "stopped"
)

// Member is the contract every cluster member satisfies. Both the plain
// Agent and the SubCluster wrapper implement it, so the orchestrator treats
// them uniformly.
type Member interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() State
}

// RoleValidator gets special treatment in two places: a randomized
// pre-dispatch jitter, and an explicit rejection on the crash path. A
// crashed validator must never read as an implicit approval.
const RoleValidator = "validator"

// Default budgets and delays.
const (
	DefaultMaxIterations = 10
	DefaultMaxRetries    = 1 // no retry
	DefaultBaseDelay     = 2000 * time.Millisecond

	// stopGrace bounds the wait for an in-flight execution to settle
	// after Stop kills the task, avoiding write-after-close races.
	stopGrace = 5000 * time.Millisecond

	// validatorJitterMax is the upper bound of the random delay injected
	// before dispatch for validator-role agents, desynchronizing
	// validators that wake on the same trigger.
	validatorJitterMax = 15 * time.Second
)

// Config is one agent's static configuration.
type Config struct {
	ID              string            `yaml:"id" json:"id"`
	Role            string            `yaml:"role" json:"role"`
	Triggers        []trigger.Trigger `yaml:"triggers" json:"triggers"`
	Hooks           hook.Hooks        `yaml:"hooks" json:"hooks"`
	MaxIterations   int               `yaml:"maxIterations" json:"maxIterations"`
	MaxRetries      int               `yaml:"maxRetries" json:"maxRetries"`
	ContextStrategy string            `yaml:"contextStrategy" json:"contextStrategy"`
	BaseDelay       time.Duration     `yaml:"baseDelay" json:"baseDelay"`
}

// withDefaults fills zero fields with the package defaults.
func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// FailureInfo is recorded on the cluster when a trigger invocation
// terminally fails, as operator-visible resume context. Last-writer-wins.
type FailureInfo struct {
	AgentID       string    `json:"agent_id"`
	Role          string    `json:"role"`
	TaskID        string    `json:"task_id"`
	Iteration     int       `json:"iteration"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error"`
	TaskSucceeded bool      `json:"task_succeeded"` // hook failed after a successful task
	Time          time.Time `json:"time"`
}

// FailureRecorder receives terminal failure info. The owning cluster
// implements it.
type FailureRecorder interface {
	RecordFailure(info FailureInfo)
}

// ContextBuilder assembles the context string handed to the task executor.
// The construction format is an external concern; the engine only needs
// the strategy inputs threaded through.
type ContextBuilder interface {
	Build(ctx context.Context, view trigger.AgentContext, strategy string, since time.Time, msg message.Message) (string, error)
}

// Deps are the collaborators injected into an Agent.
type Deps struct {
	Bus      *bus.Bus
	Executor task.Executor
	Logic    trigger.LogicEngine
	Hooks    *hook.Executor
	Recorder FailureRecorder
	Context  ContextBuilder
}

// Agent owns one member's run state. All mutable state is guarded by mu;
// task execution happens on its own goroutine so bus fan-out never blocks
// on a running task.
type Agent struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	state         State
	running       bool
	iteration     int
	currentTaskID string
	lastTaskEnd   time.Time
	unsubscribe   func()
	cancelTask    context.CancelFunc
	inflight      chan struct{} // closed when the current execution settles

	// Injectable timing for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// New creates an Agent. Defaults are applied to the config; a nil context
// builder falls back to the ledger-backed builder.
func New(cfg Config, deps Deps) *Agent {
	if deps.Context == nil {
		deps.Context = NewLedgerContextBuilder(deps.Bus.Ledger())
	}
	return &Agent{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		state:     StateIdle,
		sleep:     sleepCtx,
		randFloat: defaultRandFloat,
	}
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Role returns the agent role.
func (a *Agent) Role() string { return a.cfg.Role }

// State returns the current run state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Iteration returns the number of task executions started so far.
func (a *Agent) Iteration() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iteration
}

// Config returns a copy of the agent's effective configuration.
func (a *Agent) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// UpdateConfig merges non-zero fields of patch into the agent's config.
// Used by the update_agent cluster operation on a running agent.
func (a *Agent) UpdateConfig(patch Config) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if patch.Role != "" {
		a.cfg.Role = patch.Role
	}
	if patch.Triggers != nil {
		a.cfg.Triggers = patch.Triggers
	}
	if patch.Hooks.OnStart != nil {
		a.cfg.Hooks.OnStart = patch.Hooks.OnStart
	}
	if patch.Hooks.OnComplete != nil {
		a.cfg.Hooks.OnComplete = patch.Hooks.OnComplete
	}
	if patch.Hooks.OnError != nil {
		a.cfg.Hooks.OnError = patch.Hooks.OnError
	}
	if patch.MaxIterations > 0 {
		a.cfg.MaxIterations = patch.MaxIterations
	}
	if patch.MaxRetries > 0 {
		a.cfg.MaxRetries = patch.MaxRetries
	}
	if patch.ContextStrategy != "" {
		a.cfg.ContextStrategy = patch.ContextStrategy
	}
	if patch.BaseDelay > 0 {
		a.cfg.BaseDelay = patch.BaseDelay
	}
}

// Start subscribes the agent to the bus and publishes its STARTED
// lifecycle event. Fails if the agent is already running.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errAlreadyRunning(a.cfg.ID)
	}
	a.running = true
	a.state = StateIdle
	a.unsubscribe = a.deps.Bus.Subscribe(a.onMessage)
	a.mu.Unlock()

	logger.Info("Agent %s (%s) started in cluster %s", a.cfg.ID, a.cfg.Role, a.deps.Bus.ClusterID())

	_, err := a.deps.Bus.Publish(ctx, lifecycleMessage(a.deps.Bus.ClusterID(), a.cfg.ID, "STARTED"))
	return err
}

// Stop unsubscribes, kills any running task, and waits up to the grace
// period for the in-flight execution to settle.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	cancel := a.cancelTask
	inflight := a.inflight
	a.mu.Unlock()

	if a.deps.Executor != nil {
		a.deps.Executor.Kill()
	}
	if cancel != nil {
		cancel()
	}

	if inflight != nil {
		select {
		case <-inflight:
		case <-time.After(stopGrace):
			logger.Warn("Agent %s stop: in-flight execution did not settle within %s", a.cfg.ID, stopGrace)
		case <-ctx.Done():
		}
	}

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	logger.Info("Agent %s stopped", a.cfg.ID)
	return nil
}

func (a *Agent) view() trigger.AgentContext {
	return trigger.AgentContext{
		ID:        a.cfg.ID,
		Role:      a.cfg.Role,
		Iteration: a.iteration,
		ClusterID: a.deps.Bus.ClusterID(),
	}
}

func lifecycleMessage(clusterID, agentID, event string) message.Message {
	msg := message.New(clusterID, message.TopicAgentLifecycle, message.SenderSystem, message.Content{
		Data: map[string]any{"agent": agentID, "event": event},
	})
	return msg
}

func errAlreadyRunning(id string) error {
	return &AlreadyRunningError{AgentID: id}
}

// AlreadyRunningError is returned by Start on a running agent.
type AlreadyRunningError struct {
	AgentID string
}

func (e *AlreadyRunningError) Error() string {
	return "agent " + e.AgentID + " is already running"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
