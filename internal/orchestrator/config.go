package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mark3labs/zeroshot/internal/agent"
	ierr "github.com/mark3labs/zeroshot/internal/errors"
	"github.com/mark3labs/zeroshot/internal/hook"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// MemberConfig declares one cluster member. A plain agent has only the
// inline agent fields; a non-nil Cluster makes the member a subcluster
// wrapping a nested child cluster.
type MemberConfig struct {
	agent.Config `yaml:",inline" json:",inline"`

	// Cluster, when set, is the child cluster this member spawns on
	// trigger instead of running an external task.
	Cluster *ClusterConfig `yaml:"cluster,omitempty" json:"cluster,omitempty"`

	// BridgeTopics are the parent topics relayed into the child's ledger
	// while the child is alive.
	BridgeTopics []string `yaml:"bridgeTopics,omitempty" json:"bridgeTopics,omitempty"`
}

// IsSubCluster reports whether the member wraps a child cluster.
func (m MemberConfig) IsSubCluster() bool { return m.Cluster != nil }

// ClusterConfig is the declarative definition of one cluster.
type ClusterConfig struct {
	ID      string         `yaml:"id" json:"id"`
	Members []MemberConfig `yaml:"agents" json:"agents"`
}

// LoadClusterConfig reads and validates a YAML cluster definition.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster config: %w", err)
	}

	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ierr.NewConfigError("parsing cluster config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole cluster definition up front, recursively into
// child clusters. Nothing is instantiated from an invalid config.
func (c *ClusterConfig) Validate() error {
	if c.ID == "" {
		return ierr.NewConfigError("cluster config missing id")
	}
	if len(c.Members) == 0 {
		return ierr.NewConfigError("cluster %s has no agents", c.ID)
	}

	seen := make(map[string]bool, len(c.Members))
	hasEntry := false
	hasTerminal := false

	for _, m := range c.Members {
		if m.ID == "" {
			return ierr.NewConfigError("cluster %s: agent missing id", c.ID)
		}
		if seen[m.ID] {
			return ierr.NewConfigError("cluster %s: duplicate agent id %q", c.ID, m.ID)
		}
		seen[m.ID] = true

		if err := validateMember(c.ID, m); err != nil {
			return err
		}

		for _, t := range m.Triggers {
			if trigger.MatchTopic(t.Topic, message.TopicIssueOpened) {
				hasEntry = true
			}
			if t.Action == trigger.ActionStopCluster {
				hasTerminal = true
			}
		}
		if hookPublishesTopic(m.Hooks, message.TopicClusterComplete) {
			hasTerminal = true
		}
	}

	// Every cluster needs an agent reacting to the entry trigger and at
	// least one path to terminal completion.
	if !hasEntry {
		return ierr.NewConfigError("cluster %s: no agent triggers on %s", c.ID, message.TopicIssueOpened)
	}
	if !hasTerminal {
		return ierr.NewConfigError("cluster %s: no path to %s", c.ID, message.TopicClusterComplete)
	}
	return nil
}

func validateMember(clusterID string, m MemberConfig) error {
	for _, t := range m.Triggers {
		if t.Topic == "" {
			return ierr.NewConfigError("cluster %s: agent %s has a trigger without a topic", clusterID, m.ID)
		}
		if !t.Action.Valid() {
			return ierr.NewConfigError("cluster %s: agent %s has unknown trigger action %q", clusterID, m.ID, t.Action)
		}
	}

	for name, h := range map[string]*hook.Hook{
		"onStart":    m.Hooks.OnStart,
		"onComplete": m.Hooks.OnComplete,
		"onError":    m.Hooks.OnError,
	} {
		if h == nil {
			continue
		}
		if h.Action != hook.ActionPublishMessage {
			return ierr.NewConfigError("cluster %s: agent %s %s hook has unknown action %q", clusterID, m.ID, name, h.Action)
		}
		if _, ok := h.Params["topic"]; !ok {
			return ierr.NewConfigError("cluster %s: agent %s %s hook is missing topic", clusterID, m.ID, name)
		}
	}

	if m.IsSubCluster() {
		if len(m.Triggers) == 0 {
			return ierr.NewConfigError("cluster %s: subcluster %s has no triggers", clusterID, m.ID)
		}
		// The child id is derived at spawn time ({parent}.{member});
		// validate with a placeholder when the config leaves it empty.
		child := *m.Cluster
		if child.ID == "" {
			child.ID = m.ID
		}
		if err := child.Validate(); err != nil {
			return fmt.Errorf("subcluster %s: %w", m.ID, err)
		}
	}
	return nil
}

func hookPublishesTopic(hooks hook.Hooks, topic string) bool {
	for _, h := range []*hook.Hook{hooks.OnStart, hooks.OnComplete, hooks.OnError} {
		if h != nil && h.Params["topic"] == topic {
			return true
		}
	}
	return false
}
