package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/zeroshot/internal/agent"
	"github.com/mark3labs/zeroshot/internal/bus"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/task"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// childConfig is a single-agent child cluster. The agent executes on the
// entry trigger and, on terminal task failure, publishes CLUSTER_FAILED
// through its onError hook so the supervising wrapper sees the outcome.
func childConfig() *ClusterConfig {
	return &ClusterConfig{
		Members: []MemberConfig{{
			Config: agent.Config{
				ID:   "child-worker",
				Role: "worker",
				Triggers: []trigger.Trigger{
					{Topic: message.TopicIssueOpened, Action: trigger.ActionExecuteTask},
					{Topic: message.TopicTaskCompleted, Action: trigger.ActionStopCluster},
				},
				Hooks: hook.Hooks{
					OnError: &hook.Hook{
						Action: hook.ActionPublishMessage,
						Params: map[string]any{
							"topic":   message.TopicClusterFailed,
							"content": "{{error.message}}",
						},
					},
				},
			},
		}},
	}
}

// subClusterParent wires a subcluster member triggered by DELEGATE into a
// parent cluster that otherwise behaves like workerCluster.
func subClusterParent(id string, maxIterations int, bridge []string) ClusterConfig {
	cfg := workerCluster(id)
	cfg.Members = append(cfg.Members, MemberConfig{
		Config: agent.Config{
			ID:            "delegator",
			MaxIterations: maxIterations,
			Triggers: []trigger.Trigger{
				{Topic: "DELEGATE", Action: trigger.ActionExecuteTask},
			},
			Hooks: hook.Hooks{
				OnComplete: &hook.Hook{
					Action: hook.ActionPublishMessage,
					Params: map[string]any{
						"topic":   "DELEGATION_DONE",
						"content": "child {{child.id}} finished iteration {{iteration}}",
					},
				},
			},
		},
		Cluster:      childConfig(),
		BridgeTopics: bridge,
	})
	return cfg
}

func delegate(t *testing.T, o *Orchestrator, clusterID string) {
	t.Helper()
	_, err := o.Cluster().Bus().Publish(context.Background(), message.New(
		clusterID, "DELEGATE", "tester", message.Content{Text: "handle this"},
	))
	require.NoError(t, err)
}

func subClusterMember(t *testing.T, o *Orchestrator) *SubCluster {
	t.Helper()
	s, ok := o.Cluster().Member("delegator").(*SubCluster)
	require.True(t, ok, "delegator is not a subcluster")
	return s
}

func TestSubClusterCompletesChild(t *testing.T) {
	reg := newExecRegistry()
	o := startTestCluster(t, subClusterParent("parent-1", 3, nil), reg)
	s := subClusterMember(t, o)

	delegate(t, o, "parent-1")

	waitFor(t, 15*time.Second, func() bool {
		return s.State() == agent.StateIdle && s.Iteration() == 1
	}, "subcluster never settled")

	// One child spawned, child worker ran once, onComplete hook fired
	// with the namespaced child id.
	assert.Equal(t, 1, reg.get("child-worker").callCount())
	msgs, err := o.Cluster().Bus().Ledger().Query(context.Background(), bus.Filter{
		ClusterID: "parent-1",
		Topic:     "DELEGATION_DONE",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "child parent-1.delegator finished iteration 1", msgs[0].Content.Text)

	// The child cluster left its own ledger entries under its namespaced id.
	n, err := o.Cluster().Bus().Ledger().Count(context.Background(), bus.Filter{
		ClusterID: "parent-1.delegator",
		Topic:     message.TopicClusterComplete,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubClusterFailsAfterMaxIterations(t *testing.T) {
	reg := newExecRegistry()
	reg.set("child-worker", failingExec("child task broke"))
	o := startTestCluster(t, subClusterParent("parent-2", 2, nil), reg)
	s := subClusterMember(t, o)

	delegate(t, o, "parent-2")

	waitFor(t, 15*time.Second, func() bool {
		return s.State() == agent.StateFailed
	}, "subcluster never failed")

	// Two children spawned, each failed once, no third child.
	assert.Equal(t, 2, s.Iteration())
	assert.Equal(t, 2, reg.get("child-worker").callCount())

	msgs, err := o.Cluster().Bus().Ledger().Query(context.Background(), bus.Filter{
		ClusterID: "parent-2",
		Topic:     message.TopicClusterFailed,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "max_iterations", msgs[0].Content.Data["reason"])

	// A further trigger is dropped: the wrapper is terminal.
	delegate(t, o, "parent-2")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, reg.get("child-worker").callCount())
	assert.Equal(t, agent.StateFailed, s.State())
}

func TestSubClusterBridgesParentTopics(t *testing.T) {
	reg := newExecRegistry()
	blocked := &fakeExec{
		results: []*task.Result{{Success: true}},
		block:   make(chan struct{}),
	}
	reg.set("child-worker", blocked)

	o := startTestCluster(t, subClusterParent("parent-3", 3, []string{"PROGRESS_UPDATE"}), reg)
	s := subClusterMember(t, o)

	delegate(t, o, "parent-3")

	waitFor(t, 15*time.Second, func() bool {
		return blocked.callCount() == 1
	}, "child never started its task")

	// Child is alive and mid-task; a bridged parent topic must land in
	// the child's ledger, an unbridged one must not.
	for _, topic := range []string{"PROGRESS_UPDATE", "UNRELATED_TOPIC"} {
		_, err := o.Cluster().Bus().Publish(context.Background(), message.New(
			"parent-3", topic, "tester", message.Content{Text: "fyi"},
		))
		require.NoError(t, err)
	}

	ledger := o.Cluster().Bus().Ledger()
	waitFor(t, 5*time.Second, func() bool {
		n, err := ledger.Count(context.Background(), bus.Filter{
			ClusterID: "parent-3.delegator",
			Topic:     "PROGRESS_UPDATE",
		})
		return err == nil && n == 1
	}, "bridged topic never reached the child ledger")

	relayed, err := ledger.Query(context.Background(), bus.Filter{
		ClusterID: "parent-3.delegator",
		Topic:     "PROGRESS_UPDATE",
	})
	require.NoError(t, err)
	require.Len(t, relayed, 1)
	assert.True(t, relayed[0].IsRepublished(), "relayed copies must carry the republish marker")

	n, err := ledger.Count(context.Background(), bus.Filter{
		ClusterID: "parent-3.delegator",
		Topic:     "UNRELATED_TOPIC",
	})
	require.NoError(t, err)
	assert.Zero(t, n, "unbridged topic leaked into the child")

	close(blocked.block)
	waitFor(t, 15*time.Second, func() bool {
		return s.State() == agent.StateIdle
	}, "subcluster never settled after unblocking")
}

func TestSubClusterBusyDropsWhileSupervising(t *testing.T) {
	reg := newExecRegistry()
	blocked := &fakeExec{
		results: []*task.Result{{Success: true}},
		block:   make(chan struct{}),
	}
	reg.set("child-worker", blocked)

	o := startTestCluster(t, subClusterParent("parent-4", 3, nil), reg)
	s := subClusterMember(t, o)

	delegate(t, o, "parent-4")
	waitFor(t, 15*time.Second, func() bool {
		return blocked.callCount() == 1
	}, "child never started its task")

	// A second trigger while the child runs is dropped, never queued.
	delegate(t, o, "parent-4")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, s.Iteration())

	close(blocked.block)
	waitFor(t, 15*time.Second, func() bool {
		return s.State() == agent.StateIdle
	}, "subcluster never settled")
	assert.Equal(t, 1, s.Iteration(), "dropped trigger must not respawn")
}

func TestSubClusterStopTearsDownChild(t *testing.T) {
	reg := newExecRegistry()
	blocked := &fakeExec{
		results: []*task.Result{{Success: true}},
		block:   make(chan struct{}),
	}
	reg.set("child-worker", blocked)
	defer close(blocked.block)

	o := startTestCluster(t, subClusterParent("parent-5", 3, nil), reg)
	s := subClusterMember(t, o)

	delegate(t, o, "parent-5")
	waitFor(t, 15*time.Second, func() bool {
		return blocked.callCount() == 1
	}, "child never started its task")

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, agent.StateStopped, s.State())
}
