package orchestrator

import (
	"context"
	"errors"
	"sync"
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

// fakeExec is a scripted task executor. Results are consumed in order;
// when exhausted the last one repeats. A non-nil block channel makes
// Execute wait until the channel is closed.
type fakeExec struct {
	mu      sync.Mutex
	results []*task.Result
	calls   int
	block   chan struct{}
}

func succeedingExec() *fakeExec {
	return &fakeExec{results: []*task.Result{{Success: true, Output: "done"}}}
}

func failingExec(msg string) *fakeExec {
	return &fakeExec{results: []*task.Result{{Success: false, Error: msg}}}
}

func (f *fakeExec) Execute(ctx context.Context, req task.Request) (*task.Result, error) {
	f.mu.Lock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	result := f.results[idx]
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if result == nil {
		return nil, errors.New("executor exploded")
	}
	return result, nil
}

func (f *fakeExec) Kill() {}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// execRegistry hands out fakes per member id, creating succeeding ones on
// demand. It is shared between a parent cluster and its children.
type execRegistry struct {
	mu    sync.Mutex
	execs map[string]*fakeExec
}

func newExecRegistry() *execRegistry {
	return &execRegistry{execs: make(map[string]*fakeExec)}
}

func (r *execRegistry) set(id string, f *fakeExec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[id] = f
}

func (r *execRegistry) get(id string) *fakeExec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.execs[id]; ok {
		return f
	}
	f := succeedingExec()
	r.execs[id] = f
	return f
}

func (r *execRegistry) factory(id string) task.Executor { return r.get(id) }

func startTestCluster(t *testing.T, cluster ClusterConfig, reg *execRegistry) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Cluster:     cluster,
		DataDir:     t.TempDir(),
		WorkDir:     t.TempDir(),
		NewExecutor: reg.factory,
	})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() {
		if err := o.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return o
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func countTopic(t *testing.T, o *Orchestrator, clusterID, topic string) int {
	t.Helper()
	n, err := o.Cluster().Bus().Ledger().Count(context.Background(), bus.Filter{
		ClusterID: clusterID,
		Topic:     topic,
	})
	require.NoError(t, err)
	return n
}

// workerCluster is a single agent that executes on ISSUE_OPENED and stops
// the cluster once its task completes.
func workerCluster(id string) ClusterConfig {
	return ClusterConfig{
		ID: id,
		Members: []MemberConfig{{
			Config: agent.Config{
				ID:   "worker",
				Role: "worker",
				Triggers: []trigger.Trigger{
					{Topic: message.TopicIssueOpened, Action: trigger.ActionExecuteTask},
					{Topic: message.TopicTaskCompleted, Action: trigger.ActionStopCluster},
				},
			},
		}},
	}
}

func TestOrchestratorRunsClusterToCompletion(t *testing.T) {
	reg := newExecRegistry()
	o := startTestCluster(t, workerCluster("build-42"), reg)

	require.NoError(t, o.Seed(context.Background(), "fix the build"))

	select {
	case outcome := <-o.Done():
		assert.Equal(t, message.TopicClusterComplete, outcome.Topic)
	case <-time.After(10 * time.Second):
		t.Fatal("cluster never completed")
	}

	assert.Equal(t, 1, reg.get("worker").callCount())
	assert.Equal(t, 1, countTopic(t, o, "build-42", message.TopicTaskCompleted))
	assert.Nil(t, o.Cluster().FailureInfo())
}

func TestOrchestratorRecordsFailure(t *testing.T) {
	reg := newExecRegistry()
	reg.set("worker", failingExec("compile error"))
	o := startTestCluster(t, workerCluster("build-43"), reg)

	require.NoError(t, o.Seed(context.Background(), "fix the build"))

	waitFor(t, 10*time.Second, func() bool {
		return o.Cluster().FailureInfo() != nil
	}, "failure never recorded")

	info := o.Cluster().FailureInfo()
	assert.Equal(t, "worker", info.AgentID)
	assert.Equal(t, 1, info.Attempts)
	assert.Contains(t, info.Error, "compile error")
	assert.Equal(t, 1, countTopic(t, o, "build-43", message.TopicAgentError))
}

func TestOrchestratorStopIsIdempotent(t *testing.T) {
	reg := newExecRegistry()
	o, err := New(Config{
		Cluster:     workerCluster("build-44"),
		DataDir:     t.TempDir(),
		NewExecutor: reg.factory,
	})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	require.NoError(t, o.Stop(context.Background()))
	require.NoError(t, o.Stop(context.Background()))

	for _, m := range o.Cluster().Members() {
		assert.Equal(t, agent.StateStopped, m.State())
	}
}

func TestOrchestratorRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Cluster: ClusterConfig{ID: "bad"}})
	require.Error(t, err)
}

func TestClusterFailureInfoLastWriterWins(t *testing.T) {
	c := newCluster("c1", nil)
	c.RecordFailure(agent.FailureInfo{AgentID: "a", Attempts: 1})
	c.RecordFailure(agent.FailureInfo{AgentID: "b", Attempts: 3})

	info := c.FailureInfo()
	require.NotNil(t, info)
	assert.Equal(t, "b", info.AgentID)
	assert.Equal(t, 3, info.Attempts)
}

func TestOrchestratorMemberHooksRun(t *testing.T) {
	cluster := workerCluster("build-45")
	cluster.Members[0].Hooks = hook.Hooks{
		OnComplete: &hook.Hook{
			Action: hook.ActionPublishMessage,
			Params: map[string]any{
				"topic":   "REVIEW_REQUESTED",
				"content": "iteration {{iteration}} finished in {{cluster.id}}",
			},
		},
	}

	reg := newExecRegistry()
	o := startTestCluster(t, cluster, reg)
	require.NoError(t, o.Seed(context.Background(), "go"))

	select {
	case <-o.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cluster never completed")
	}

	// The hook runs after TASK_COMPLETED is published, so completion can
	// race slightly ahead of the hook's own publish.
	waitFor(t, 5*time.Second, func() bool {
		return countTopic(t, o, "build-45", "REVIEW_REQUESTED") == 1
	}, "hook message never published")

	msgs, err := o.Cluster().Bus().Ledger().Query(context.Background(), bus.Filter{
		ClusterID: "build-45",
		Topic:     "REVIEW_REQUESTED",
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "iteration 1 finished in build-45", msgs[0].Content.Text)
}
