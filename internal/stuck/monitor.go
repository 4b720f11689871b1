package stuck

import (
	"context"
	"time"

	"github.com/mark3labs/zeroshot/internal/bus"
	"github.com/mark3labs/zeroshot/internal/logger"
	"github.com/mark3labs/zeroshot/internal/message"
	"github.com/mark3labs/zeroshot/internal/task"
)

// Monitoring defaults.
const (
	DefaultCheckInterval = 60 * time.Second
	DefaultStaleAfter    = 2 * time.Minute
)

// Monitor periodically checks one agent's task process for liveness and
// publishes AGENT_STALE_WARNING when a check scores "likely stuck". It is
// purely advisory; it never acts on the process.
type Monitor struct {
	agentID   string
	bus       *bus.Bus
	liveness  task.Liveness
	detector  *Detector
	interval  time.Duration
	staleOver time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorConfig configures a Monitor. Zero durations get defaults.
type MonitorConfig struct {
	AgentID    string
	Bus        *bus.Bus
	Liveness   task.Liveness
	Detector   *Detector
	Interval   time.Duration
	StaleAfter time.Duration
}

// NewMonitor creates a Monitor. Returns nil when detector is nil (platform
// unsupported); callers treat a nil Monitor as "monitoring disabled".
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Detector == nil {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Monitor{
		agentID:   cfg.AgentID,
		bus:       cfg.Bus,
		liveness:  cfg.Liveness,
		detector:  cfg.Detector,
		interval:  cfg.Interval,
		staleOver: cfg.StaleAfter,
	}
}

// Start begins the periodic check loop. Safe to call on a nil Monitor.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

// Stop terminates the check loop. Safe to call on a nil Monitor.
func (m *Monitor) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// check runs one gated liveness check: only when a task process exists and
// its output has been stale longer than the threshold.
func (m *Monitor) check(ctx context.Context) {
	pid := m.liveness.PID()
	if pid == 0 {
		return
	}
	if time.Since(m.liveness.LastOutput()) < m.staleOver {
		return
	}

	assessment := m.detector.Check(ctx, pid)
	if assessment.Inconclusive {
		logger.Debug("Stuck check for agent %s (pid %d) inconclusive", m.agentID, pid)
		return
	}
	if !assessment.LikelyStuck {
		return
	}

	logger.Warn("Agent %s task process (pid %d) likely stuck: score=%.1f confidence=%s",
		m.agentID, pid, assessment.Score, assessment.Confidence)

	_, err := m.bus.Publish(ctx, message.New(m.bus.ClusterID(), message.TopicAgentStale, message.SenderSystem, message.Content{
		Data: map[string]any{
			"agent":      m.agentID,
			"pid":        pid,
			"score":      assessment.Score,
			"confidence": string(assessment.Confidence),
		},
	}))
	if err != nil {
		logger.Error("Failed to publish AGENT_STALE_WARNING for agent %s: %v", m.agentID, err)
	}
}
