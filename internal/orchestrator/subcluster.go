package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/zeroshot/internal/agent"
	"github.com/mark3labs/zeroshot/internal/bus"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// subClusterStopGrace bounds the wait for an in-flight child supervision
// to settle after Stop tears the child down.
const subClusterStopGrace = 5000 * time.Millisecond

// childContextLimit caps how many parent messages a child context carries.
const childContextLimit = 50

type subClusterDeps struct {
	parentBus *bus.Bus
	env       *Env
	hooks     *hook.Executor
	parent    Config
}

// SubCluster is the cluster-as-agent wrapper. It satisfies the same member
// contract as a plain agent, but on trigger it spawns a nested child
// cluster (namespaced {parent}.{self}) seeded with a textual context built
// from the parent ledger, then supervises the child to a terminal outcome.
// On child failure it respawns a fresh child until maxIterations, then
// terminates in failed. Parent and child communicate only through the
// message bridge, never shared memory.
type SubCluster struct {
	cfg  MemberConfig
	deps subClusterDeps

	mu          sync.Mutex
	state       agent.State
	running     bool
	iteration   int
	unsubscribe func()
	cancelRun   context.CancelFunc
	inflight    chan struct{}
	child       *Orchestrator
}

func newSubCluster(cfg MemberConfig, deps subClusterDeps) *SubCluster {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = agent.DefaultMaxIterations
	}
	return &SubCluster{cfg: cfg, deps: deps, state: agent.StateIdle}
}

// ID returns the member id.
func (s *SubCluster) ID() string { return s.cfg.ID }

// State returns the current run state.
func (s *SubCluster) State() agent.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Iteration returns the number of child spawns so far.
func (s *SubCluster) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// ChildID returns the namespaced id of the child cluster.
func (s *SubCluster) ChildID() string {
	return s.deps.parentBus.ClusterID() + "." + s.cfg.ID
}

// Start subscribes the wrapper to the parent bus.
func (s *SubCluster) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return &agent.AlreadyRunningError{AgentID: s.cfg.ID}
	}
	s.running = true
	s.state = agent.StateIdle
	s.unsubscribe = s.deps.parentBus.Subscribe(s.onMessage)
	s.mu.Unlock()

	logger.Info("SubCluster %s started in cluster %s (child %s)",
		s.cfg.ID, s.deps.parentBus.ClusterID(), s.ChildID())

	_, err := s.deps.parentBus.Publish(ctx, message.New(
		s.deps.parentBus.ClusterID(), message.TopicAgentLifecycle, message.SenderSystem,
		message.Content{Data: map[string]any{"agent": s.cfg.ID, "event": "STARTED"}},
	))
	return err
}

// Stop unsubscribes, tears down any live child cluster recursively, and
// waits up to the grace period for the supervision loop to settle.
func (s *SubCluster) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	cancel := s.cancelRun
	inflight := s.inflight
	child := s.child
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if child != nil {
		if err := child.Stop(ctx); err != nil {
			logger.Error("SubCluster %s child teardown: %v", s.cfg.ID, err)
		}
	}

	if inflight != nil {
		select {
		case <-inflight:
		case <-time.After(subClusterStopGrace):
			logger.Warn("SubCluster %s stop: supervision did not settle within %s", s.cfg.ID, subClusterStopGrace)
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.state = agent.StateStopped
	s.mu.Unlock()

	logger.Info("SubCluster %s stopped", s.cfg.ID)
	return nil
}

// onMessage is the bus subscriber. A matching message arriving while a
// child is being supervised is dropped, never queued.
func (s *SubCluster) onMessage(msg message.Message) {
	if msg.Receiver != "" && msg.Receiver != s.cfg.ID {
		return
	}

	s.mu.Lock()
	t := trigger.FindMatching(s.cfg.Triggers, msg)
	if t == nil {
		s.mu.Unlock()
		return
	}
	if !s.running || s.state != agent.StateIdle {
		state := s.state
		s.mu.Unlock()
		logger.Warn("SubCluster %s dropping message on topic %s (state %s)", s.cfg.ID, msg.Topic, state)
		return
	}

	s.state = agent.StateEvaluatingLogic
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.inflight = make(chan struct{})
	inflight := s.inflight
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.cancelRun = nil
			s.inflight = nil
			s.mu.Unlock()
			close(inflight)
		}()
		s.run(runCtx, t, msg)
	}()
}

func (s *SubCluster) run(ctx context.Context, t *trigger.Trigger, msg message.Message) {
	ok, err := trigger.Evaluate(t, msg, s.view(), s.deps.parent.Logic)
	if err != nil {
		logger.Error("SubCluster %s trigger evaluation: %v", s.cfg.ID, err)
		s.setState(agent.StateIdle)
		return
	}
	if !ok {
		s.setState(agent.StateIdle)
		return
	}

	switch t.Action {
	case trigger.ActionStopCluster:
		if _, err := s.deps.parentBus.Publish(ctx, message.New(
			s.deps.parentBus.ClusterID(), message.TopicClusterComplete, s.cfg.ID,
			message.Content{Data: map[string]any{"agent": s.cfg.ID}},
		)); err != nil {
			logger.Error("SubCluster %s failed to publish completion: %v", s.cfg.ID, err)
		}
		s.setState(agent.StateCompleted)
	case trigger.ActionExecuteTask:
		s.supervise(ctx, msg)
	default:
		logger.Error("SubCluster %s unknown trigger action %q", s.cfg.ID, t.Action)
		s.setState(agent.StateIdle)
	}
}

// supervise spawns and watches child clusters until one completes or the
// iteration budget is exhausted. Each retry gets a fresh child.
func (s *SubCluster) supervise(ctx context.Context, msg message.Message) {
	for {
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.iteration >= s.cfg.MaxIterations {
			s.mu.Unlock()
			logger.Error("SubCluster %s reached max iterations (%d)", s.cfg.ID, s.cfg.MaxIterations)
			if _, err := s.deps.parentBus.Publish(ctx, message.New(
				s.deps.parentBus.ClusterID(), message.TopicClusterFailed, s.cfg.ID,
				message.Content{Data: map[string]any{"agent": s.cfg.ID, "reason": "max_iterations"}},
			)); err != nil {
				logger.Error("SubCluster %s failed to publish CLUSTER_FAILED: %v", s.cfg.ID, err)
			}
			s.setState(agent.StateFailed)
			return
		}
		s.iteration++
		iter := s.iteration
		s.mu.Unlock()

		s.setState(agent.StateBuildingContext)
		seed, err := s.buildChildContext(ctx, iter, msg)
		if err != nil {
			logger.Error("SubCluster %s context build: %v", s.cfg.ID, err)
			s.runHook(ctx, s.cfg.Hooks.OnError, iter, err)
			continue
		}

		s.setState(agent.StateExecutingTask)
		completed, err := s.runChild(ctx, seed)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error("SubCluster %s child run %d: %v", s.cfg.ID, iter, err)
			s.runHook(ctx, s.cfg.Hooks.OnError, iter, err)
			continue
		}
		if completed {
			s.runHook(ctx, s.cfg.Hooks.OnComplete, iter, nil)
			s.setState(agent.StateIdle)
			return
		}

		logger.Warn("SubCluster %s child failed on iteration %d, respawning", s.cfg.ID, iter)
		s.runHook(ctx, s.cfg.Hooks.OnError, iter, fmt.Errorf("child cluster %s failed", s.ChildID()))
	}
}

// runChild spawns one child cluster, bridges configured parent topics into
// it, seeds it, and waits for its terminal outcome. The child is always
// torn down before returning.
func (s *SubCluster) runChild(ctx context.Context, seed string) (completed bool, err error) {
	childCfg := *s.cfg.Cluster
	childCfg.ID = s.ChildID()

	child, err := newChild(Config{
		Cluster:     childCfg,
		DataDir:     s.deps.parent.DataDir,
		WorkDir:     s.deps.parent.WorkDir,
		TaskCommand: s.deps.parent.TaskCommand,
		Logic:       s.deps.parent.Logic,
		NewExecutor: s.deps.parent.NewExecutor,
	}, s.deps.env)
	if err != nil {
		return false, fmt.Errorf("building child cluster: %w", err)
	}
	if err := child.Start(ctx); err != nil {
		return false, fmt.Errorf("starting child cluster: %w", err)
	}

	s.mu.Lock()
	s.child = child
	s.mu.Unlock()

	stopBridge := s.startBridge(child)
	defer func() {
		stopBridge()
		s.mu.Lock()
		s.child = nil
		s.mu.Unlock()
		if stopErr := child.Stop(context.Background()); stopErr != nil {
			logger.Error("SubCluster %s child teardown: %v", s.cfg.ID, stopErr)
		}
	}()

	if err := child.Seed(ctx, seed); err != nil {
		return false, fmt.Errorf("seeding child cluster: %w", err)
	}

	select {
	case outcome := <-child.Done():
		return outcome.Topic == message.TopicClusterComplete, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// startBridge relays the configured parent topics into the live child's
// ledger. Relayed copies are tagged _republished so they can never bounce
// back through another bridge.
func (s *SubCluster) startBridge(child *Orchestrator) func() {
	if len(s.cfg.BridgeTopics) == 0 {
		return func() {}
	}

	topics := make(map[string]bool, len(s.cfg.BridgeTopics))
	for _, t := range s.cfg.BridgeTopics {
		topics[t] = true
	}
	childBus := child.Cluster().Bus()

	return s.deps.parentBus.Subscribe(func(msg message.Message) {
		if !topics[msg.Topic] || msg.IsRepublished() {
			return
		}
		relay := message.New(childBus.ClusterID(), msg.Topic, msg.Sender, msg.Content)
		relay.Receiver = msg.Receiver
		relay.Metadata = map[string]any{"_republished": true}
		if _, err := childBus.Publish(context.Background(), relay); err != nil {
			logger.Error("SubCluster %s bridge relay of %s failed: %v", s.cfg.ID, msg.Topic, err)
		}
	})
}

// buildChildContext assembles the textual seed for a child cluster: the
// parent/child identity, the iteration, excerpts of the bridged parent
// topics, and the triggering message.
func (s *SubCluster) buildChildContext(ctx context.Context, iteration int, msg message.Message) (string, error) {
	parentID := s.deps.parentBus.ClusterID()

	history, err := s.deps.parentBus.Ledger().Query(ctx, bus.Filter{
		ClusterID: parentID,
		Limit:     childContextLimit,
	})
	if err != nil {
		return "", fmt.Errorf("loading parent history: %w", err)
	}

	topics := make(map[string]bool, len(s.cfg.BridgeTopics))
	for _, t := range s.cfg.BridgeTopics {
		topics[t] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are child cluster %q spawned by %q in cluster %s, iteration %d.\n\n",
		s.ChildID(), s.cfg.ID, parentID, iteration)

	wrote := false
	for _, m := range history {
		if len(topics) > 0 && !topics[m.Topic] {
			continue
		}
		if !wrote {
			sb.WriteString("Parent cluster messages:\n")
			wrote = true
		}
		writeChildExcerpt(&sb, m)
	}
	if wrote {
		sb.WriteByte('\n')
	}

	sb.WriteString("Triggering message:\n")
	writeChildExcerpt(&sb, msg)
	return sb.String(), nil
}

func writeChildExcerpt(sb *strings.Builder, m message.Message) {
	text := m.Content.Text
	if text == "" && m.Content.Data != nil {
		text = fmt.Sprintf("%v", m.Content.Data)
	}
	if len(text) > 500 {
		text = text[:500] + "..."
	}
	fmt.Fprintf(sb, "- [%s] %s: %s\n", m.Topic, m.Sender, text)
}

func (s *SubCluster) runHook(ctx context.Context, h *hook.Hook, iteration int, hookErr error) {
	if h == nil {
		return
	}
	env := hook.Env{
		ClusterID:    s.deps.parentBus.ClusterID(),
		SubClusterID: s.cfg.ID,
		ChildID:      s.ChildID(),
		Iteration:    iteration,
		Err:          hookErr,
	}
	if err := s.deps.hooks.ExecuteWithRetry(ctx, h, env); err != nil {
		logger.Error("SubCluster %s hook failed: %v", s.cfg.ID, err)
	}
}

func (s *SubCluster) view() trigger.AgentContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trigger.AgentContext{
		ID:        s.cfg.ID,
		Role:      s.cfg.Role,
		Iteration: s.iteration,
		ClusterID: s.deps.parentBus.ClusterID(),
	}
}

func (s *SubCluster) setState(st agent.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
