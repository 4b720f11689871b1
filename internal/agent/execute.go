package agent

import (
	"context"
	"fmt"
	"time"

	ierr "github.com/mark3labs/zeroshot/internal/errors"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/task"
	"github.com/mark3labs/zeroshot/internal/trigger"
	"github.com/rs/xid"
)

// onMessage is the bus subscriber. It runs on the publisher's goroutine,
// so everything here must be quick: match, gate, hand off.
func (a *Agent) onMessage(msg message.Message) {
	// Directed messages for someone else are not ours to consider.
	if msg.Receiver != "" && msg.Receiver != a.cfg.ID {
		return
	}

	// Trigger match comes before the running/idle gate: "should I even
	// consider this" precedes "am I free".
	a.mu.Lock()
	trig := trigger.FindMatching(a.cfg.Triggers, msg)
	if trig == nil {
		a.mu.Unlock()
		return
	}

	if !a.running || a.state != StateIdle {
		state := a.state
		a.mu.Unlock()
		// Busy/backpressure policy: drop, never queue. Callers needing
		// retry-after-drop semantics must re-publish.
		logger.Warn("Agent %s dropping message on topic %s (state=%s)", a.cfg.ID, msg.Topic, state)
		return
	}

	a.state = StateEvaluatingLogic
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelTask = cancel
	inflight := make(chan struct{})
	a.inflight = inflight
	a.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			a.mu.Lock()
			a.cancelTask = nil
			a.inflight = nil
			a.mu.Unlock()
			close(inflight)
		}()
		a.run(runCtx, msg, *trig)
	}()
}

// run evaluates the matched trigger's condition and dispatches its action.
func (a *Agent) run(ctx context.Context, msg message.Message, trig trigger.Trigger) {
	a.mu.Lock()
	view := a.view()
	a.mu.Unlock()

	fire, err := trigger.Evaluate(&trig, msg, view, a.deps.Logic)
	if err != nil {
		logger.Error("Agent %s condition evaluation failed on topic %s: %v", a.cfg.ID, msg.Topic, err)
		a.setState(StateIdle)
		return
	}
	if !fire {
		a.setState(StateIdle)
		return
	}

	switch trig.Action {
	case trigger.ActionStopCluster:
		a.stopCluster(ctx, msg)
	case trigger.ActionExecuteTask:
		a.executeTask(ctx, msg)
	default:
		// Config validation rejects unknown actions up front; reaching
		// this is a configuration error slipping through a live update.
		logger.Error("Agent %s: unknown trigger action %q", a.cfg.ID, trig.Action)
		a.terminalError(ctx, FailureInfo{
			AgentID: a.cfg.ID,
			Role:    a.cfg.Role,
			Error:   fmt.Sprintf("unknown trigger action %q", trig.Action),
			Time:    time.Now(),
		})
	}
}

// stopCluster publishes the terminal completion event and parks the agent
// in its terminal completed state.
func (a *Agent) stopCluster(ctx context.Context, msg message.Message) {
	a.setState(StateCompleted)
	_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicClusterComplete, a.cfg.ID, message.Content{
		Data: map[string]any{"triggered_by": msg.Topic},
	}))
	if err != nil {
		logger.Error("Agent %s failed to publish CLUSTER_COMPLETE: %v", a.cfg.ID, err)
	}
}

// executeTask runs the full task pipeline: onStart hook, iteration gate,
// context build, retried execution, and the success/failure epilogues.
func (a *Agent) executeTask(ctx context.Context, msg message.Message) {
	env := hook.Env{ClusterID: a.deps.Bus.ClusterID(), Iteration: a.Iteration()}
	if err := a.deps.Hooks.Execute(ctx, a.cfg.Hooks.OnStart, env); err != nil {
		if ierr.IsConfig(err) {
			a.terminalError(ctx, FailureInfo{
				AgentID: a.cfg.ID, Role: a.cfg.Role,
				Iteration: a.Iteration(), Error: err.Error(), Time: time.Now(),
			})
			return
		}
		logger.Warn("Agent %s onStart hook failed: %v", a.cfg.ID, err)
	}

	// Gate before incrementing: the budget check must reject before a new
	// iteration is charged, or a rejected trigger would loop forever.
	a.mu.Lock()
	if a.iteration >= a.cfg.MaxIterations {
		a.state = StateFailed
		a.mu.Unlock()
		logger.Error("Agent %s reached maxIterations (%d)", a.cfg.ID, a.cfg.MaxIterations)
		_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicClusterFailed, a.cfg.ID, message.Content{
			Data: map[string]any{"reason": "max_iterations", "agent": a.cfg.ID},
		}))
		if err != nil {
			logger.Error("Agent %s failed to publish CLUSTER_FAILED: %v", a.cfg.ID, err)
		}
		return
	}
	a.iteration++
	iteration := a.iteration
	a.state = StateBuildingContext
	taskID := xid.New().String()
	a.currentTaskID = taskID
	since := a.lastTaskEnd
	view := a.view()
	a.mu.Unlock()

	taskCtx, err := a.deps.Context.Build(ctx, view, a.cfg.ContextStrategy, since, msg)
	if err != nil {
		a.exhausted(ctx, taskID, iteration, 0, fmt.Errorf("context build failed: %w", err))
		return
	}

	// Validators that wake on the same trigger all hit the same shared
	// external resource; a random 0-15s jitter spreads them out.
	if a.cfg.Role == RoleValidator {
		jitter := time.Duration(a.randFloat() * float64(validatorJitterMax))
		logger.Debug("Agent %s validator jitter: %s", a.cfg.ID, jitter)
		if err := a.sleep(ctx, jitter); err != nil {
			return
		}
	}

	a.setState(StateExecutingTask)

	req := task.Request{
		TaskID:    taskID,
		ClusterID: a.deps.Bus.ClusterID(),
		AgentID:   a.cfg.ID,
		Role:      a.cfg.Role,
		Context:   taskCtx,
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxRetries; attempt++ {
		result, err := a.attempt(ctx, req)
		if err == nil {
			a.succeed(ctx, taskID, iteration, result)
			return
		}
		if ctx.Err() != nil {
			// Stopping; no failure bookkeeping for a killed task.
			return
		}
		lastErr = err
		logger.Warn("Agent %s task attempt %d/%d failed: %v", a.cfg.ID, attempt, a.cfg.MaxRetries, err)

		if attempt == a.cfg.MaxRetries {
			break
		}

		var delay time.Duration
		if IsLockContention(err) {
			delay = LockContentionDelay(a.randFloat)
			logger.Info("Agent %s lock contention, waiting %s before retry", a.cfg.ID, delay)
		} else {
			delay = BackoffDelay(a.cfg.BaseDelay, attempt)
		}
		if err := a.sleep(ctx, delay); err != nil {
			return
		}
	}

	a.exhausted(ctx, taskID, iteration, a.cfg.MaxRetries, lastErr)
}

// attempt runs the executor once, converting panics and unsuccessful
// results into errors.
func (a *Agent) attempt(ctx context.Context, req task.Request) (*task.Result, error) {
	var result *task.Result
	err := ierr.Recover(func() error {
		var execErr error
		result, execErr = a.deps.Executor.Execute(ctx, req)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		if result.Error == "" {
			return nil, fmt.Errorf("task reported failure")
		}
		return nil, fmt.Errorf("%s", result.Error)
	}
	return result, nil
}

// succeed handles the task-success epilogue: lifecycle messages, telemetry,
// and the onComplete hook with its independent retry budget.
func (a *Agent) succeed(ctx context.Context, taskID string, iteration int, result *task.Result) {
	a.mu.Lock()
	a.state = StateIdle
	a.lastTaskEnd = time.Now()
	a.currentTaskID = ""
	a.mu.Unlock()

	_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicTaskCompleted, a.cfg.ID, message.Content{
		Text: result.Output,
		Data: map[string]any{"agent": a.cfg.ID, "task_id": taskID, "iteration": iteration},
	}))
	if err != nil {
		logger.Error("Agent %s failed to publish TASK_COMPLETED: %v", a.cfg.ID, err)
	}

	if result.TokenUsage != nil {
		_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicTokenUsage, a.cfg.ID, message.Content{
			Data: map[string]any{
				"agent":         a.cfg.ID,
				"task_id":       taskID,
				"input_tokens":  result.TokenUsage.InputTokens,
				"output_tokens": result.TokenUsage.OutputTokens,
			},
		}))
		if err != nil {
			logger.Error("Agent %s failed to publish TOKEN_USAGE: %v", a.cfg.ID, err)
		}
	}

	env := hook.Env{ClusterID: a.deps.Bus.ClusterID(), Iteration: iteration}
	if err := a.deps.Hooks.ExecuteWithRetry(ctx, a.cfg.Hooks.OnComplete, env); err != nil {
		// The task succeeded but its hook exhausted retries. This is a
		// distinct failure class and must stay user-visible.
		logger.Error("Agent %s onComplete hook exhausted retries: %v", a.cfg.ID, err)
		a.terminalError(ctx, FailureInfo{
			AgentID:       a.cfg.ID,
			Role:          a.cfg.Role,
			TaskID:        taskID,
			Iteration:     iteration,
			Attempts:      1,
			Error:         err.Error(),
			TaskSucceeded: true,
			Time:          time.Now(),
		})
	}
}

// exhausted handles terminal failure of one trigger invocation.
func (a *Agent) exhausted(ctx context.Context, taskID string, iteration, attempts int, cause error) {
	a.setState(StateError)
	a.terminalError(ctx, FailureInfo{
		AgentID:   a.cfg.ID,
		Role:      a.cfg.Role,
		TaskID:    taskID,
		Iteration: iteration,
		Attempts:  attempts,
		Error:     cause.Error(),
		Time:      time.Now(),
	})
}

// terminalError records failure info, publishes AGENT_ERROR, runs onError,
// and applies the role-dependent recovery: most roles quietly return to
// idle, validators first publish an explicit rejection. A crashed validator
// must never be treated as an implicit approval.
func (a *Agent) terminalError(ctx context.Context, info FailureInfo) {
	if a.deps.Recorder != nil {
		a.deps.Recorder.RecordFailure(info)
	}

	_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicAgentError, a.cfg.ID, message.Content{
		Text: info.Error,
		Data: map[string]any{
			"agent":          info.AgentID,
			"task_id":        info.TaskID,
			"iteration":      info.Iteration,
			"attempts":       info.Attempts,
			"task_succeeded": info.TaskSucceeded,
		},
	}))
	if err != nil {
		logger.Error("Agent %s failed to publish AGENT_ERROR: %v", a.cfg.ID, err)
	}

	env := hook.Env{ClusterID: a.deps.Bus.ClusterID(), Iteration: info.Iteration, Err: fmt.Errorf("%s", info.Error)}
	if hookErr := a.deps.Hooks.Execute(ctx, a.cfg.Hooks.OnError, env); hookErr != nil {
		logger.Error("Agent %s onError hook failed: %v", a.cfg.ID, hookErr)
	}

	if a.cfg.Role == RoleValidator {
		_, err := a.deps.Bus.Publish(ctx, message.New(a.deps.Bus.ClusterID(), message.TopicValidationResult, a.cfg.ID, message.Content{
			Text: "validator crashed: " + info.Error,
			Data: map[string]any{"approved": false, "agent": a.cfg.ID, "reason": "validator_crashed"},
		}))
		if err != nil {
			logger.Error("Agent %s failed to publish rejection: %v", a.cfg.ID, err)
		}
	}

	a.setState(StateIdle)
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
