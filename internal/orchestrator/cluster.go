package orchestrator

import (
	"sync"
	"time"

	"github.com/mark3labs/zeroshot/internal/agent"
	"github.com/mark3labs/zeroshot/internal/bus"
)

// Cluster is the aggregate for one running cluster: its bus/ledger pair,
// its member registry, and the last terminal failure recorded for resume.
type Cluster struct {
	id        string
	createdAt time.Time
	bus       *bus.Bus

	mu      sync.Mutex
	members map[string]agent.Member
	order   []string
	failure *agent.FailureInfo
}

func newCluster(id string, b *bus.Bus) *Cluster {
	return &Cluster{
		id:        id,
		createdAt: time.Now(),
		bus:       b,
		members:   make(map[string]agent.Member),
	}
}

// ID returns the cluster id.
func (c *Cluster) ID() string { return c.id }

// CreatedAt returns the cluster creation time.
func (c *Cluster) CreatedAt() time.Time { return c.createdAt }

// Bus returns the cluster's message bus.
func (c *Cluster) Bus() *bus.Bus { return c.bus }

// RecordFailure stores terminal failure info. Last-writer-wins: this is
// operator-visible resume context, not consistency-critical state.
func (c *Cluster) RecordFailure(info agent.FailureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = &info
}

// FailureInfo returns a copy of the last recorded failure, or nil.
func (c *Cluster) FailureInfo() *agent.FailureInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		return nil
	}
	out := *c.failure
	return &out
}

// Member returns the member with the given id, or nil.
func (c *Cluster) Member(id string) agent.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[id]
}

// Members returns the members in registration order.
func (c *Cluster) Members() []agent.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]agent.Member, 0, len(c.order))
	for _, id := range c.order {
		if m, ok := c.members[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// addMember registers a member. Returns false if the id is taken.
func (c *Cluster) addMember(m agent.Member) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.members[m.ID()]; exists {
		return false
	}
	c.members[m.ID()] = m
	c.order = append(c.order, m.ID())
	return true
}

// removeMember detaches a member by id, returning it for shutdown.
func (c *Cluster) removeMember(id string) agent.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.members[id]
	if !ok {
		return nil
	}
	delete(c.members, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return m
}
