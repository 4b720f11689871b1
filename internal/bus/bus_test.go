package bus

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/nats"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	ns, err := nats.StartEmbedded(t.TempDir())
	if err != nil {
		t.Fatalf("failed to start NATS: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.ConnectInProcess(ns)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)

	js, err := nats.CreateJetStream(nc)
	if err != nil {
		t.Fatalf("failed to create JetStream: %v", err)
	}

	stream, err := nats.SetupStream(context.Background(), js)
	if err != nil {
		t.Fatalf("failed to setup stream: %v", err)
	}

	return NewLedger(js, stream)
}

func TestPublishThenQuery(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	msg := message.New("cluster-a", message.TopicIssueOpened, message.SenderSystem, message.Content{Text: "fix the bug"})
	stored, err := b.Publish(ctx, msg)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if stored.Seq == 0 {
		t.Error("expected sequence number to be assigned")
	}
	if stored.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}

	got, err := ledger.Query(ctx, Filter{ClusterID: "cluster-a", Topic: message.TopicIssueOpened})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Content.Text != "fix the bug" {
		t.Errorf("unexpected content: %q", got[0].Content.Text)
	}
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	tests := []struct {
		name string
		msg  message.Message
	}{
		{"missing topic", message.Message{ClusterID: "cluster-a", Sender: "x"}},
		{"missing sender", message.Message{ClusterID: "cluster-a", Topic: "T"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Publish(ctx, tt.msg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	// Empty cluster id is filled in from the bus itself.
	stored, err := b.Publish(ctx, message.Message{Topic: "T", Sender: "x"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if stored.ClusterID != "cluster-a" {
		t.Errorf("expected cluster id defaulted, got %q", stored.ClusterID)
	}
}

func TestCountMatchesPublishes(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, message.New("cluster-a", "PROGRESS", "worker", message.Content{})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if _, err := b.Publish(ctx, message.New("cluster-a", "OTHER", "worker", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	n, err := ledger.Count(ctx, Filter{ClusterID: "cluster-a", Topic: "PROGRESS"})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected count 5, got %d", n)
	}
}

func TestGetAllOrderIsStable(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	topics := []string{"A", "B", "C", "A", "B"}
	for _, topic := range topics {
		if _, err := b.Publish(ctx, message.New("cluster-a", topic, "s", message.Content{})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	first, err := ledger.GetAll(ctx, "cluster-a")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	second, err := ledger.GetAll(ctx, "cluster-a")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}

	if len(first) != len(topics) {
		t.Fatalf("expected %d messages, got %d", len(topics), len(first))
	}
	for i := range first {
		if first[i].Topic != topics[i] {
			t.Errorf("entry %d: expected topic %s, got %s", i, topics[i], first[i].Topic)
		}
		if first[i].Seq != second[i].Seq || first[i].Topic != second[i].Topic {
			t.Errorf("entry %d changed between reads", i)
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i].Seq <= first[i-1].Seq {
			t.Errorf("sequence not monotonic at entry %d", i)
		}
	}
}

func TestFindLast(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	for _, text := range []string{"first", "second", "third"} {
		if _, err := b.Publish(ctx, message.New("cluster-a", "RESULT", "s", message.Content{Text: text})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	last, err := ledger.FindLast(ctx, Filter{ClusterID: "cluster-a", Topic: "RESULT"})
	if err != nil {
		t.Fatalf("FindLast failed: %v", err)
	}
	if last == nil {
		t.Fatal("expected a match")
	}
	if last.Content.Text != "third" {
		t.Errorf("expected most recent entry, got %q", last.Content.Text)
	}

	none, err := ledger.FindLast(ctx, Filter{ClusterID: "cluster-a", Topic: "MISSING"})
	if err != nil {
		t.Fatalf("FindLast failed: %v", err)
	}
	if none != nil {
		t.Error("expected nil for no match")
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "alice", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	mid := time.Now()
	time.Sleep(5 * time.Millisecond)
	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "bob", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	t.Run("by sender", func(t *testing.T) {
		got, err := ledger.Query(ctx, Filter{ClusterID: "cluster-a", Sender: "bob"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 || got[0].Sender != "bob" {
			t.Errorf("expected only bob's message, got %d entries", len(got))
		}
	})

	t.Run("by since", func(t *testing.T) {
		got, err := ledger.Query(ctx, Filter{ClusterID: "cluster-a", Since: mid})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 || got[0].Sender != "bob" {
			t.Errorf("expected only the later message, got %d entries", len(got))
		}
	})

	t.Run("limit keeps newest", func(t *testing.T) {
		got, err := ledger.Query(ctx, Filter{ClusterID: "cluster-a", Limit: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(got) != 1 || got[0].Sender != "bob" {
			t.Errorf("expected newest entry only, got %d entries", len(got))
		}
	})
}

func TestClusterIsolation(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	busA := New("cluster-a", ledger)
	busB := New("cluster-b", ledger)

	if _, err := busA.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := busB.Publish(ctx, message.New("cluster-b", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := ledger.GetAll(ctx, "cluster-a")
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 message for cluster-a, got %d", len(got))
	}
}

func TestSynchronousFanOutOrder(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	var order []string
	b.Subscribe(func(m message.Message) { order = append(order, "first") })
	b.Subscribe(func(m message.Message) { order = append(order, "second") })

	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// All notifications happened before Publish returned.
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected deterministic subscription-order fan-out, got %v", order)
	}
}

func TestSubscriberAddedDuringPublishNotNotified(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	lateNotified := false
	b.Subscribe(func(m message.Message) {
		if m.Topic == "T" {
			b.Subscribe(func(message.Message) { lateNotified = true })
		}
	})

	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if lateNotified {
		t.Error("subscriber added mid-publish must not see that publish")
	}
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	calls := 0
	unsub := b.Subscribe(func(message.Message) { calls++ })

	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	unsub()
	unsub() // second call is a no-op
	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("expected 1 notification, got %d", calls)
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestSubscriberPanicPropagates(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	b.Subscribe(func(message.Message) { panic("subscriber bug") })

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected subscriber panic to propagate to publisher")
		}
		// The crash banner must not swallow or rewrap the original value.
		if r != "subscriber bug" {
			t.Errorf("expected original panic value, got %v", r)
		}
	}()
	b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{}))
}

func TestUnsubscribeReleasesOrderSlot(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t)
	b := New("cluster-a", ledger)

	keep := 0
	b.Subscribe(func(message.Message) { keep++ })

	// Repeated subscribe/unsubscribe cycles (a bridge attaching and
	// detaching, say) must not leave tombstones behind.
	for i := 0; i < 100; i++ {
		unsub := b.Subscribe(func(message.Message) {})
		unsub()
	}

	if b.SubscriberCount() != 1 {
		t.Errorf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	if len(b.order) != 1 {
		t.Errorf("expected 1 order entry after churn, got %d", len(b.order))
	}

	if _, err := b.Publish(ctx, message.New("cluster-a", "T", "s", message.Content{})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if keep != 1 {
		t.Errorf("surviving subscriber should still be notified once, got %d", keep)
	}
}
