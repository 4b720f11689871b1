// Package orchestrator assembles and supervises clusters: it owns the
// embedded NATS environment, builds each cluster's ledger/bus/members from
// declarative config, handles the CLUSTER_OPERATIONS control surface, and
// tears everything down in order.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mark3labs/zeroshot/internal/agent"
	"github.com/mark3labs/zeroshot/internal/bus"
	ierr "github.com/mark3labs/zeroshot/internal/errors"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/nats"
	"github.com/mark3labs/zeroshot/internal/stuck"
	"github.com/mark3labs/zeroshot/internal/task"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// Env is the process-wide NATS environment. The root orchestrator owns it;
// child clusters spawned by subclusters share it, isolated from each other
// by subject namespacing.
type Env struct {
	NS     *natsserver.Server
	Conn   *natsgo.Conn
	JS     jetstream.JetStream
	Stream jetstream.Stream
}

// Config configures one orchestrator instance.
type Config struct {
	Cluster ClusterConfig

	// DataDir holds NATS file storage. Defaults to ".zeroshot".
	DataDir string

	// WorkDir is the working directory for external task processes.
	// Defaults to the current directory.
	WorkDir string

	// TaskCommand is the external command run per task execution.
	TaskCommand []string

	// Logic evaluates trigger condition scripts. May be nil when no
	// trigger in the config carries a script.
	Logic trigger.LogicEngine

	// NewExecutor overrides task executor construction, mainly for tests.
	// Defaults to a ProcessExecutor over TaskCommand.
	NewExecutor func(memberID string) task.Executor
}

// Orchestrator runs one cluster. Stop is idempotent.
type Orchestrator struct {
	cfg     Config
	env     *Env
	owned   bool // this instance started the NATS server
	cluster *Cluster

	detector *stuck.Detector
	monitors map[string]*stuck.Monitor

	done         chan message.Message
	terminalStop func()
	opsStop      func()

	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// New creates a root orchestrator. The cluster config is validated up
// front; nothing is instantiated from an invalid config.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

// newChild creates an orchestrator for a child cluster sharing the parent's
// NATS environment. The config is assumed validated (it came from a
// validated parent config).
func newChild(cfg Config, env *Env) (*Orchestrator, error) {
	return build(cfg, env)
}

func build(cfg Config, env *Env) (*Orchestrator, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = ".zeroshot"
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if cfg.NewExecutor == nil {
		command, workDir := cfg.TaskCommand, cfg.WorkDir
		cfg.NewExecutor = func(string) task.Executor {
			return task.NewProcessExecutor(command, workDir)
		}
	}

	detector, err := stuck.NewDetector(0)
	if err != nil {
		logger.Info("Stuck monitoring disabled: %v", err)
		detector = nil
	}

	return &Orchestrator{
		cfg:      cfg,
		env:      env,
		detector: detector,
		monitors: make(map[string]*stuck.Monitor),
		done:     make(chan message.Message, 1),
	}, nil
}

// Start brings up the NATS environment (unless inherited), the cluster's
// ledger/bus pair, and every configured member, then installs the
// operations handler. On partial failure everything already started is
// stopped before returning.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger.Info("Starting cluster %s", o.cfg.Cluster.ID)
	o.ctx, o.cancel = context.WithCancel(context.Background())

	if o.env == nil {
		env, err := startEnv(o.ctx, o.cfg.DataDir)
		if err != nil {
			return err
		}
		o.env = env
		o.owned = true
	}

	ledger := bus.NewLedger(o.env.JS, o.env.Stream)
	b := bus.New(o.cfg.Cluster.ID, ledger)
	o.cluster = newCluster(o.cfg.Cluster.ID, b)

	// Terminal watch: first CLUSTER_COMPLETE or CLUSTER_FAILED resolves
	// Done(). Installed before members so member-published terminals are
	// never missed.
	o.terminalStop = b.Subscribe(func(msg message.Message) {
		switch msg.Topic {
		case message.TopicClusterComplete, message.TopicClusterFailed:
			select {
			case o.done <- msg:
			default:
			}
		}
	})

	for _, mc := range o.cfg.Cluster.Members {
		if err := o.addAndStartMember(ctx, mc); err != nil {
			stopErr := o.Stop(context.Background())
			if stopErr != nil {
				logger.Error("Cleanup after failed start: %v", stopErr)
			}
			return fmt.Errorf("starting member %s: %w", mc.ID, err)
		}
	}

	o.opsStop = b.Subscribe(o.onOperations)

	logger.Info("Cluster %s started with %d members", o.cfg.Cluster.ID, len(o.cluster.Members()))
	return nil
}

// Seed publishes the entry message that wakes the cluster up.
func (o *Orchestrator) Seed(ctx context.Context, text string) error {
	_, err := o.cluster.Bus().Publish(ctx, message.New(
		o.cfg.Cluster.ID, message.TopicIssueOpened, message.SenderSystem,
		message.Content{Text: text},
	))
	return err
}

// Done yields the cluster's first terminal message (CLUSTER_COMPLETE or
// CLUSTER_FAILED).
func (o *Orchestrator) Done() <-chan message.Message { return o.done }

// Cluster returns the running cluster aggregate, nil before Start.
func (o *Orchestrator) Cluster() *Cluster { return o.cluster }

// Stop shuts down members in reverse start order, then the NATS
// environment if this instance owns it. Safe to call multiple times;
// errors from every component are collected.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.stopped {
		return nil
	}
	o.stopped = true

	logger.Info("Stopping cluster %s", o.cfg.Cluster.ID)
	multiErr := &ierr.MultiError{}

	if o.opsStop != nil {
		o.opsStop()
		o.opsStop = nil
	}

	if o.cluster != nil {
		members := o.cluster.Members()
		for i := len(members) - 1; i >= 0; i-- {
			m := members[i]
			o.stopMonitor(m.ID())
			if err := m.Stop(ctx); err != nil {
				multiErr.Append(fmt.Errorf("stopping member %s: %w", m.ID(), err))
			}
		}
	}

	if o.terminalStop != nil {
		o.terminalStop()
		o.terminalStop = nil
	}
	if o.cancel != nil {
		o.cancel()
	}

	if o.owned && o.env != nil {
		if err := nats.Shutdown(o.env.Conn, o.env.NS); err != nil {
			multiErr.Append(fmt.Errorf("NATS shutdown: %w", err))
		}
		o.env = nil
	}

	logger.Info("Cluster %s stopped", o.cfg.Cluster.ID)
	return multiErr.ErrorOrNil()
}

// addAndStartMember builds a member from config, registers it, starts it,
// and attaches its stuck monitor when supported.
func (o *Orchestrator) addAndStartMember(ctx context.Context, mc MemberConfig) error {
	m, liveness := o.buildMember(mc)
	if !o.cluster.addMember(m) {
		return ierr.NewConfigError("cluster %s already has member %s", o.cluster.ID(), mc.ID)
	}
	if err := m.Start(ctx); err != nil {
		o.cluster.removeMember(mc.ID)
		return err
	}

	if liveness != nil && o.detector != nil {
		monitor := stuck.NewMonitor(stuck.MonitorConfig{
			AgentID:  mc.ID,
			Bus:      o.cluster.Bus(),
			Liveness: liveness,
			Detector: o.detector,
		})
		monitor.Start(o.ctx)
		o.monitors[mc.ID] = monitor
	}
	return nil
}

func (o *Orchestrator) buildMember(mc MemberConfig) (agent.Member, task.Liveness) {
	b := o.cluster.Bus()

	if mc.IsSubCluster() {
		return newSubCluster(mc, subClusterDeps{
			parentBus: b,
			env:       o.env,
			hooks:     hook.NewExecutor(b, mc.ID),
			parent:    o.cfg,
		}), nil
	}

	exec := o.cfg.NewExecutor(mc.ID)
	a := agent.New(mc.Config, agent.Deps{
		Bus:      b,
		Executor: exec,
		Logic:    o.cfg.Logic,
		Hooks:    hook.NewExecutor(b, mc.ID),
		Recorder: o.cluster,
	})

	liveness, _ := exec.(task.Liveness)
	return a, liveness
}

func (o *Orchestrator) stopMonitor(id string) {
	if monitor, ok := o.monitors[id]; ok {
		monitor.Stop()
		delete(o.monitors, id)
	}
}

// startEnv boots the embedded NATS server, connects in process, and
// ensures the shared ledger stream exists.
func startEnv(ctx context.Context, dataDir string) (*Env, error) {
	storeDir := filepath.Join(dataDir, "nats")
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, fmt.Errorf("creating NATS data directory: %w", err)
	}

	ns, err := nats.StartEmbedded(storeDir)
	if err != nil {
		return nil, fmt.Errorf("starting NATS server: %w", err)
	}

	nc, err := nats.ConnectInProcess(ns)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nats.CreateJetStream(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	stream, err := nats.SetupStream(ctx, js)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("setting up stream: %w", err)
	}

	return &Env{NS: ns, Conn: nc, JS: js, Stream: stream}, nil
}
