// Package bus implements the per-cluster durable ledger and the
// synchronous in-process message bus built on top of it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/nats"
	"github.com/nats-io/nats.go/jetstream"
)

// Ledger is the durable, append-only message store. All clusters in a
// process share one JetStream stream; entries are scoped by cluster id and
// replayed through subject-filtered ephemeral consumers.
type Ledger struct {
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewLedger creates a Ledger over an existing JetStream stream.
func NewLedger(js jetstream.JetStream, stream jetstream.Stream) *Ledger {
	return &Ledger{js: js, stream: stream}
}

// Filter selects ledger entries. ClusterID is required; the zero value of
// every other field means "don't filter on this".
type Filter struct {
	ClusterID string
	Topic     string
	Sender    string
	Since     time.Time
	Until     time.Time
	Limit     int // keep only the most recent N matches (0 = all)
}

// Append stamps and persists a message, returning the stored entry with
// its sequence number assigned. Entries are never reordered or deleted.
func (l *Ledger) Append(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := nats.SubjectForTopic(msg.ClusterID, msg.Topic)
	ack, err := l.js.Publish(ctx, subject, data)
	if err != nil {
		logger.Error("Failed to append to ledger (subject %s): %v", subject, err)
		return msg, fmt.Errorf("failed to append to ledger: %w", err)
	}

	msg.Seq = ack.Sequence
	logger.Debug("Ledger append: cluster=%s topic=%s seq=%d", msg.ClusterID, msg.Topic, msg.Seq)
	return msg, nil
}

// Query returns matching entries in ledger order. With Limit set, only the
// most recent Limit matches are kept (still returned oldest first).
func (l *Ledger) Query(ctx context.Context, f Filter) ([]message.Message, error) {
	if f.ClusterID == "" {
		return nil, fmt.Errorf("query requires cluster_id")
	}

	consumer, err := l.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: nats.SubjectForCluster(f.ClusterID),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var out []message.Message
	const batchSize = 1000
	for {
		msgs, err := consumer.FetchNoWait(batchSize)
		if err != nil {
			break
		}

		count := 0
		for raw := range msgs.Messages() {
			count++
			var msg message.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				meta, _ := raw.Metadata()
				logger.Warn("Skipping malformed ledger entry (seq=%d): %v", meta.Sequence.Stream, err)
				raw.Ack()
				continue
			}
			if msg.Seq == 0 {
				if meta, err := raw.Metadata(); err == nil {
					msg.Seq = meta.Sequence.Stream
				}
			}
			if f.matches(msg) {
				out = append(out, msg)
			}
			raw.Ack()
		}
		if count < batchSize {
			break
		}
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Count returns the number of entries matching the filter.
func (l *Ledger) Count(ctx context.Context, f Filter) (int, error) {
	f.Limit = 0
	msgs, err := l.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// FindLast returns the most recent matching entry, or nil if none match.
func (l *Ledger) FindLast(ctx context.Context, f Filter) (*message.Message, error) {
	f.Limit = 1
	msgs, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// GetAll returns the full ordered history for a cluster.
func (l *Ledger) GetAll(ctx context.Context, clusterID string) ([]message.Message, error) {
	return l.Query(ctx, Filter{ClusterID: clusterID})
}

func (f Filter) matches(msg message.Message) bool {
	// Subject filtering already scoped to the cluster token, but tokens can
	// collide after slugging; the payload id is authoritative.
	if msg.ClusterID != f.ClusterID {
		return false
	}
	if f.Topic != "" && msg.Topic != f.Topic {
		return false
	}
	if f.Sender != "" && msg.Sender != f.Sender {
		return false
	}
	if !f.Since.IsZero() && msg.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && msg.Timestamp.After(f.Until) {
		return false
	}
	return true
}
