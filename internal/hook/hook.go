// Package hook runs lifecycle hooks (onStart, onComplete, onError) at the
// well-defined points of the agent state machine. The only supported hook
// action is publish_message; anything else is a configuration error.
package hook

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/zeroshot/internal/bus"
	ierr "github.com/mark3labs/zeroshot/internal/errors"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
)

// ActionPublishMessage is the one supported hook action.
const ActionPublishMessage = "publish_message"

// Hook is a single hook definition. Params carries the action's arguments
// (for publish_message: topic, receiver, content) and may contain template
// placeholders resolved at execution time.
type Hook struct {
	Action string         `yaml:"action" json:"action"`
	Params map[string]any `yaml:"params" json:"params"`
}

// Hooks groups the lifecycle hooks of one agent.
type Hooks struct {
	OnStart    *Hook `yaml:"onStart,omitempty" json:"onStart,omitempty"`
	OnComplete *Hook `yaml:"onComplete,omitempty" json:"onComplete,omitempty"`
	OnError    *Hook `yaml:"onError,omitempty" json:"onError,omitempty"`
}

// Env supplies the values the template placeholders resolve to. Fields
// that don't apply at a given call site stay empty; referencing an empty
// placeholder in a hook is an unresolved-template configuration error.
type Env struct {
	ClusterID    string
	SubClusterID string
	ChildID      string
	Iteration    int
	Err          error
}

// Executor runs hooks against a cluster's bus.
type Executor struct {
	bus    *bus.Bus
	sender string

	// sleep is replaceable in tests; production uses context-aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor publishing as the given sender id.
func NewExecutor(b *bus.Bus, sender string) *Executor {
	return &Executor{bus: b, sender: sender, sleep: sleepCtx}
}

// Execute runs a single hook invocation. A nil hook is a no-op. Unknown
// actions and unresolved templates are configuration errors, never retried.
func (e *Executor) Execute(ctx context.Context, h *Hook, env Env) error {
	if h == nil {
		return nil
	}
	if h.Action != ActionPublishMessage {
		return ierr.NewConfigError("unknown hook action %q", h.Action)
	}

	params, err := resolveParams(h.Params, env)
	if err != nil {
		return err
	}

	topic, _ := params["topic"].(string)
	if topic == "" {
		return ierr.NewConfigError("publish_message hook missing topic")
	}

	msg := message.New(e.bus.ClusterID(), topic, e.sender, contentFrom(params["content"]))
	if receiver, _ := params["receiver"].(string); receiver != "" {
		msg.Receiver = receiver
	}

	if _, err := e.bus.Publish(ctx, msg); err != nil {
		return ierr.NewTransientError("hook publish", err)
	}
	return nil
}

// Retry schedule for ExecuteWithRetry. Three attempts, doubling from one
// second, independent of the task retry budget.
const (
	retryAttempts  = 3
	retryBaseDelay = time.Second
)

// ExecuteWithRetry runs a hook with its own internal retry (3 attempts,
// 1s/2s/4s). Configuration errors abort immediately. Used for onComplete,
// where a hook that keeps failing is escalated by the caller even though
// the underlying task succeeded.
func (e *Executor) ExecuteWithRetry(ctx context.Context, h *Hook, env Env) error {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = e.Execute(ctx, h, env)
		if lastErr == nil {
			return nil
		}
		if ierr.IsConfig(lastErr) {
			return lastErr
		}
		if attempt < retryAttempts {
			delay := retryBaseDelay << (attempt - 1)
			logger.Warn("Hook attempt %d/%d failed, retrying in %s: %v", attempt, retryAttempts, delay, lastErr)
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("hook failed after %d attempts: %w", retryAttempts, lastErr)
}

// resolveParams substitutes template placeholders in the JSON encoding of
// the params and decodes the result. Placeholders left unresolved or JSON
// broken by a substituted value are hard configuration errors.
func resolveParams(params map[string]any, env Env) (map[string]any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, ierr.NewConfigError("hook params not serializable: %v", err)
	}

	substituted := substitute(string(raw), env)
	if idx := strings.Index(substituted, "{{"); idx >= 0 {
		end := strings.Index(substituted[idx:], "}}")
		placeholder := substituted[idx:]
		if end >= 0 {
			placeholder = substituted[idx : idx+end+2]
		}
		return nil, ierr.NewConfigError("unresolved hook template placeholder %s", placeholder)
	}

	var resolved map[string]any
	if err := json.Unmarshal([]byte(substituted), &resolved); err != nil {
		return nil, ierr.NewConfigError("hook params invalid after template substitution: %v", err)
	}
	return resolved, nil
}

func substitute(s string, env Env) string {
	pairs := []struct {
		placeholder string
		value       string
		present     bool
	}{
		{"{{cluster.id}}", env.ClusterID, env.ClusterID != ""},
		{"{{subcluster.id}}", env.SubClusterID, env.SubClusterID != ""},
		{"{{child.id}}", env.ChildID, env.ChildID != ""},
		{"{{iteration}}", strconv.Itoa(env.Iteration), true},
		{"{{error.message}}", errMessage(env.Err), env.Err != nil},
	}
	for _, p := range pairs {
		if !p.present {
			continue // leave the placeholder for the unresolved check
		}
		s = strings.ReplaceAll(s, p.placeholder, jsonEscape(p.value))
	}
	return s
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// jsonEscape escapes a value so substituting it inside a JSON string
// cannot break the document.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

func contentFrom(v any) message.Content {
	switch c := v.(type) {
	case string:
		return message.Content{Text: c}
	case map[string]any:
		if text, ok := c["text"].(string); ok || c["data"] != nil {
			data, _ := c["data"].(map[string]any)
			return message.Content{Text: text, Data: data}
		}
		return message.Content{Data: c}
	default:
		return message.Content{}
	}
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
