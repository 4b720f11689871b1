package bus

import (
	"context"
	"sync"

	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
)

// Subscriber is a callback invoked synchronously for every message
// published to the bus.
type Subscriber func(message.Message)

// Bus is the in-process publish/subscribe layer for one cluster. Publish
// persists the message to the ledger and then notifies every subscriber
// registered at the time the publish started, in subscription order, before
// returning. Notification is synchronous: a publish is not a suspension
// point, so ordering of delivery is deterministic given ledger order.
//
// Fail-loud policy: a panicking subscriber is not suppressed here. Publish
// logs a crash banner and re-panics with the original value, so the panic
// propagates to the publisher and, absent an outer recover, crashes the
// process. Silently continuing in a possibly-corrupt state is worse.
type Bus struct {
	clusterID string
	ledger    *Ledger

	mu    sync.Mutex
	subs  map[int]Subscriber
	order []int
	next  int
}

// New creates a Bus for one cluster over the given ledger.
func New(clusterID string, ledger *Ledger) *Bus {
	return &Bus{
		clusterID: clusterID,
		ledger:    ledger,
		subs:      make(map[int]Subscriber),
	}
}

// ClusterID returns the id of the cluster this bus belongs to.
func (b *Bus) ClusterID() string { return b.clusterID }

// Ledger returns the underlying ledger for query operations.
func (b *Bus) Ledger() *Ledger { return b.ledger }

// Publish validates, persists, and synchronously fans out a message.
// Returns the stored message with its sequence number assigned.
// Subscribers added after the fan-out snapshot was taken are not notified
// for this publish.
func (b *Bus) Publish(ctx context.Context, msg message.Message) (message.Message, error) {
	if msg.ClusterID == "" {
		msg.ClusterID = b.clusterID
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}

	stored, err := b.ledger.Append(ctx, msg)
	if err != nil {
		return msg, err
	}

	logger.Debug("Bus publish: cluster=%s topic=%s sender=%s seq=%d",
		stored.ClusterID, stored.Topic, stored.Sender, stored.Seq)

	// Fail-loud: log the crash banner so the cause is visible even with a
	// file log sink, then let the panic continue to the publisher.
	defer func() {
		if r := recover(); r != nil {
			logger.Crash("subscriber panic on topic %s (cluster %s): %v", stored.Topic, stored.ClusterID, r)
			panic(r)
		}
	}()

	for _, sub := range b.snapshot() {
		sub(stored)
	}
	return stored, nil
}

// Subscribe registers a callback and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.subs[id] = fn
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, oid := range b.order {
			if oid == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// snapshot returns active subscribers in subscription order. The lock is
// released before fan-out so a subscriber may publish or (un)subscribe
// without deadlocking.
func (b *Bus) snapshot() []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Subscriber, 0, len(b.subs))
	for _, id := range b.order {
		if sub, ok := b.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}
