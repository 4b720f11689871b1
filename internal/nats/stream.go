package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"github.com/nats-io/nats.go/jetstream"
)

const streamName = "zeroshot_messages"

// SubjectToken flattens an id or topic into a single NATS subject token.
// Namespaced cluster ids ("parent.sub") contain dots, which would otherwise
// split into separate tokens; the exact id always travels in the payload,
// the token is only for routing and replay filtering.
func SubjectToken(s string) string {
	return slug.Make(s)
}

// SubjectForCluster returns the wildcard subject matching every message of
// a cluster. Example: "zeroshot.my-cluster.>"
func SubjectForCluster(clusterID string) string {
	return fmt.Sprintf("zeroshot.%s.>", SubjectToken(clusterID))
}

// SubjectForTopic returns the subject for one topic within a cluster.
// Example: "zeroshot.my-cluster.issue-opened"
func SubjectForTopic(clusterID, topic string) string {
	return fmt.Sprintf("zeroshot.%s.%s", SubjectToken(clusterID), SubjectToken(topic))
}

// SetupStream creates or updates the JetStream stream holding every
// cluster's ledger. File storage, 30-day retention, append-only: nothing
// in the engine ever deletes or rewrites an entry.
func SetupStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	return js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"zeroshot.>"},
		Storage:  jetstream.FileStorage,
		MaxAge:   30 * 24 * time.Hour,
	})
}
