package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/zeroshot/internal/bus"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/trigger"
)

// Context strategies. "full" replays the whole cluster history,
// "since_last_task" only what arrived after the agent's previous task
// ended. The prompt format itself is an external concern; this builder
// produces the minimal textual form the task contract needs.
const (
	StrategyFull          = "full"
	StrategySinceLastTask = "since_last_task"

	// contextHistoryLimit caps how many ledger entries a context replay
	// includes; the newest entries win.
	contextHistoryLimit = 50
)

// LedgerContextBuilder builds task context from the cluster's own ledger.
type LedgerContextBuilder struct {
	ledger *bus.Ledger
}

// NewLedgerContextBuilder creates the default context builder.
func NewLedgerContextBuilder(ledger *bus.Ledger) *LedgerContextBuilder {
	return &LedgerContextBuilder{ledger: ledger}
}

// Build assembles the context string for one task execution.
func (b *LedgerContextBuilder) Build(ctx context.Context, view trigger.AgentContext, strategy string, since time.Time, msg message.Message) (string, error) {
	filter := bus.Filter{ClusterID: view.ClusterID, Limit: contextHistoryLimit}
	if strategy == StrategySinceLastTask && !since.IsZero() {
		filter.Since = since
	}

	history, err := b.ledger.Query(ctx, filter)
	if err != nil {
		return "", fmt.Errorf("failed to load context history: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are agent %q (role %s) in cluster %s, iteration %d.\n\n",
		view.ID, view.Role, view.ClusterID, view.Iteration)

	if len(history) > 0 {
		sb.WriteString("Recent cluster messages:\n")
		for _, m := range history {
			writeExcerpt(&sb, m)
		}
		sb.WriteByte('\n')
	}

	sb.WriteString("Triggering message:\n")
	writeExcerpt(&sb, msg)
	return sb.String(), nil
}

func writeExcerpt(sb *strings.Builder, m message.Message) {
	text := m.Content.Text
	if len(text) > 500 {
		text = text[:500] + "..."
	}
	fmt.Fprintf(sb, "- [%s] %s: %s\n", m.Topic, m.Sender, text)
}
