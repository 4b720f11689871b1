// Package message defines the wire-level message record exchanged over a
// cluster's bus and persisted in its ledger, plus the reserved topics other
// components key on.
package message

import (
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Reserved topics. These form the wire-level contract between the engine
// and external components; renaming one is a breaking change.
const (
	TopicIssueOpened      = "ISSUE_OPENED"
	TopicClusterComplete  = "CLUSTER_COMPLETE"
	TopicClusterFailed    = "CLUSTER_FAILED"
	TopicAgentLifecycle   = "AGENT_LIFECYCLE"
	TopicAgentError       = "AGENT_ERROR"
	TopicTokenUsage       = "TOKEN_USAGE"
	TopicClusterOps       = "CLUSTER_OPERATIONS"
	TopicAgentStale       = "AGENT_STALE_WARNING"
	TopicTaskCompleted    = "TASK_COMPLETED"
	TopicValidationResult = "VALIDATION_RESULT"
)

// SenderSystem is the sender id used for engine-originated messages.
const SenderSystem = "system"

// Content is the payload of a message: free text plus an opaque structured
// part that trigger conditions and operations inspect.
type Content struct {
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// Message is an immutable record on a cluster's ledger. Seq is assigned by
// the ledger at append time; everything else is set by the publisher and
// never mutated afterwards.
type Message struct {
	ID        string         `json:"id"`
	ClusterID string         `json:"cluster_id"`
	Topic     string         `json:"topic"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver,omitempty"`
	Content   Content        `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq,omitempty"`
}

// New builds a message with a fresh id. Timestamp is left zero; the ledger
// stamps it at append time so ledger order and timestamps agree.
func New(clusterID, topic, sender string, content Content) Message {
	return Message{
		ID:        xid.New().String(),
		ClusterID: clusterID,
		Topic:     topic,
		Sender:    sender,
		Content:   content,
	}
}

// Validate checks the required fields. Called by the bus before an append;
// a message failing validation is never persisted.
func (m Message) Validate() error {
	if m.ClusterID == "" {
		return fmt.Errorf("message missing cluster_id")
	}
	if m.Topic == "" {
		return fmt.Errorf("message missing topic")
	}
	if m.Sender == "" {
		return fmt.Errorf("message missing sender")
	}
	return nil
}

// Meta returns the metadata value for key, or nil.
func (m Message) Meta(key string) any {
	if m.Metadata == nil {
		return nil
	}
	return m.Metadata[key]
}

// IsRepublished reports whether the message carries the _republished
// marker set by the operations handler to prevent re-trigger loops.
func (m Message) IsRepublished() bool {
	v, ok := m.Meta("_republished").(bool)
	return ok && v
}
