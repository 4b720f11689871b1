package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/zeroshot/internal/agent"
	ierr "github.com/mark3labs/zeroshot/internal/errors"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
)

// Operation action names accepted on the CLUSTER_OPERATIONS topic.
const (
	OpAddAgents    = "add_agents"
	OpRemoveAgents = "remove_agents"
	OpUpdateAgent  = "update_agent"
	OpPublish      = "publish"
)

// Operation is one declarative instruction in a CLUSTER_OPERATIONS batch.
type Operation struct {
	Action string `json:"action"`

	// add_agents
	Agents []MemberConfig `json:"agents,omitempty"`

	// remove_agents
	IDs []string `json:"ids,omitempty"`

	// update_agent
	ID     string        `json:"id,omitempty"`
	Config *agent.Config `json:"config,omitempty"`

	// publish
	Message *message.Message `json:"message,omitempty"`
}

// onOperations handles CLUSTER_OPERATIONS messages. The whole batch is
// validated before any operation is applied: one unknown action or bad
// reference rejects everything. Valid batches apply in order.
func (o *Orchestrator) onOperations(msg message.Message) {
	if msg.Topic != message.TopicClusterOps || msg.IsRepublished() {
		return
	}

	ops, err := decodeOperations(msg)
	if err != nil {
		logger.Error("Cluster %s rejected operations batch: %v", o.cluster.ID(), err)
		return
	}

	for _, op := range ops {
		if err := o.validateOperation(op); err != nil {
			logger.Error("Cluster %s rejected operations batch: %v", o.cluster.ID(), err)
			return
		}
	}

	ctx := o.ctx
	for _, op := range ops {
		if err := o.applyOperation(ctx, op); err != nil {
			logger.Error("Cluster %s operation %s failed: %v", o.cluster.ID(), op.Action, err)
		}
	}
}

// decodeOperations extracts the batch from the message's structured
// content, under the "operations" key.
func decodeOperations(msg message.Message) ([]Operation, error) {
	raw, ok := msg.Content.Data["operations"]
	if !ok {
		return nil, ierr.NewConfigError("operations message has no operations field")
	}

	// The ledger round-trips content through JSON, so the field arrives as
	// generic maps; re-marshal to decode into the typed batch.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, ierr.NewConfigError("encoding operations: %v", err)
	}
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, ierr.NewConfigError("decoding operations: %v", err)
	}
	if len(ops) == 0 {
		return nil, ierr.NewConfigError("empty operations batch")
	}
	return ops, nil
}

func (o *Orchestrator) validateOperation(op Operation) error {
	switch op.Action {
	case OpAddAgents:
		if len(op.Agents) == 0 {
			return ierr.NewConfigError("add_agents with no agents")
		}
		for _, mc := range op.Agents {
			if mc.ID == "" {
				return ierr.NewConfigError("add_agents: agent missing id")
			}
			if o.cluster.Member(mc.ID) != nil {
				return ierr.NewConfigError("add_agents: cluster already has member %s", mc.ID)
			}
			if err := validateMember(o.cluster.ID(), mc); err != nil {
				return err
			}
		}
	case OpRemoveAgents:
		if len(op.IDs) == 0 {
			return ierr.NewConfigError("remove_agents with no ids")
		}
		for _, id := range op.IDs {
			if o.cluster.Member(id) == nil {
				return ierr.NewConfigError("remove_agents: no member %s", id)
			}
		}
	case OpUpdateAgent:
		if op.ID == "" || op.Config == nil {
			return ierr.NewConfigError("update_agent requires id and config")
		}
		if _, ok := o.cluster.Member(op.ID).(*agent.Agent); !ok {
			return ierr.NewConfigError("update_agent: no agent %s", op.ID)
		}
	case OpPublish:
		if op.Message == nil || op.Message.Topic == "" {
			return ierr.NewConfigError("publish requires a message with a topic")
		}
	default:
		return ierr.NewConfigError("unknown operation action %q", op.Action)
	}
	return nil
}

func (o *Orchestrator) applyOperation(ctx context.Context, op Operation) error {
	switch op.Action {
	case OpAddAgents:
		for _, mc := range op.Agents {
			if err := o.addAndStartMember(ctx, mc); err != nil {
				return err
			}
			logger.Info("Cluster %s added member %s", o.cluster.ID(), mc.ID)
		}
	case OpRemoveAgents:
		for _, id := range op.IDs {
			m := o.cluster.removeMember(id)
			if m == nil {
				continue
			}
			o.stopMonitor(id)
			if err := m.Stop(ctx); err != nil {
				return err
			}
			logger.Info("Cluster %s removed member %s", o.cluster.ID(), id)
		}
	case OpUpdateAgent:
		// An earlier operation in the same batch may have removed the
		// member after validation saw it; that is an apply-time skip, not
		// a crash.
		a, ok := o.cluster.Member(op.ID).(*agent.Agent)
		if !ok {
			logger.Warn("Cluster %s update_agent: member %s no longer present, skipping", o.cluster.ID(), op.ID)
			return nil
		}
		a.UpdateConfig(*op.Config)
		logger.Info("Cluster %s updated member %s", o.cluster.ID(), op.ID)
	case OpPublish:
		injected := *op.Message
		if injected.ID == "" {
			injected = message.New(o.cluster.ID(), injected.Topic, injected.Sender, injected.Content)
			injected.Receiver = op.Message.Receiver
			injected.Metadata = op.Message.Metadata
		}
		if injected.ClusterID == "" {
			injected.ClusterID = o.cluster.ID()
		}
		if injected.Sender == "" {
			injected.Sender = message.SenderSystem
		}
		if _, err := o.cluster.Bus().Publish(ctx, injected); err != nil {
			return err
		}
	}
	return nil
}
