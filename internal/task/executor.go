// Package task defines the task-execution contract the agent state machine
// consumes, plus the subprocess-backed implementation that drives an
// external AI coding-agent process.
package task

import (
	"context"
	"time"
)

// Request is a single task execution: the built context string handed to
// the external process, plus identifiers for logging and telemetry.
type Request struct {
	TaskID    string
	ClusterID string
	AgentID   string
	Role      string
	Context   string
}

// TokenUsage is the telemetry an executor may report after a run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the outcome of a task execution. Success=false is treated by
// the caller exactly like a returned error (retried per policy).
type Result struct {
	Success    bool
	Error      string
	Output     string
	TokenUsage *TokenUsage
}

// Executor runs tasks. External collaborator contract: the engine only
// depends on this interface and the Result shape.
type Executor interface {
	// Execute runs one task to completion or failure. Implementations
	// should honor ctx cancellation.
	Execute(ctx context.Context, req Request) (*Result, error)

	// Kill forcibly terminates the running task, if any. There is no
	// cooperative cancellation beyond this primitive: tasks finish, time
	// out, or are killed.
	Kill()
}

// Liveness is implemented by executors that expose enough about their
// external process for the stuck detector to sample it.
type Liveness interface {
	// PID returns the OS pid of the running process, or 0 when idle.
	PID() int

	// LastOutput returns the time the process last produced output.
	LastOutput() time.Time
}
