// Package trigger implements declarative trigger rules: topic pattern
// matching and condition evaluation through the external logic engine.
package trigger

import (
	"fmt"
	"strings"

	"github.com/mark3labs/zeroshot/internal/message"
)

// Action is the closed set of things a trigger can do. Unknown actions are
// a configuration error, never a silent no-op.
type Action string

const (
	ActionExecuteTask Action = "execute_task"
	ActionStopCluster Action = "stop_cluster"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionExecuteTask, ActionStopCluster:
		return true
	}
	return false
}

// Logic holds an optional condition script evaluated by the external logic
// engine. The script language is opaque to the engine.
type Logic struct {
	Script string `yaml:"script" json:"script"`
}

// Trigger is one declarative (topic, condition, action) rule.
type Trigger struct {
	Topic  string `yaml:"topic" json:"topic"`
	Logic  *Logic `yaml:"logic,omitempty" json:"logic,omitempty"`
	Action Action `yaml:"action" json:"action"`
}

// AgentContext is the minimal view of an agent handed to the logic engine.
type AgentContext struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Iteration int    `json:"iteration"`
	ClusterID string `json:"cluster_id"`
}

// LogicEngine evaluates a condition script against a message and agent
// context. External collaborator; only this contract is used here.
type LogicEngine interface {
	Evaluate(script string, agent AgentContext, msg message.Message) (bool, error)
}

// MatchTopic reports whether pattern matches topic. "*" matches any topic;
// "FOO*" matches by string prefix (so it also matches "FOO" itself);
// anything else is an exact match.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

// FindMatching returns the first trigger whose topic pattern matches the
// message, or nil. Declaration order breaks ties; the topic match is
// checked before any condition (structure before semantics).
func FindMatching(triggers []Trigger, msg message.Message) *Trigger {
	for i := range triggers {
		if MatchTopic(triggers[i].Topic, msg.Topic) {
			return &triggers[i]
		}
	}
	return nil
}

// Evaluate decides whether a structurally-matched trigger fires. A trigger
// without a condition always fires; otherwise the logic engine decides.
func Evaluate(t *Trigger, msg message.Message, agent AgentContext, engine LogicEngine) (bool, error) {
	if t.Logic == nil || t.Logic.Script == "" {
		return true, nil
	}
	if engine == nil {
		return false, fmt.Errorf("trigger on topic %q has a condition but no logic engine is configured", t.Topic)
	}
	ok, err := engine.Evaluate(t.Logic.Script, agent, msg)
	if err != nil {
		return false, fmt.Errorf("logic evaluation failed for topic %q: %w", t.Topic, err)
	}
	return ok, nil
}
