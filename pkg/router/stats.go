package router

import (
	"sync"
	"time"

	"github.com/arkon-ai/arkon/internal/observability"
)

// AgentStatus is the per-agent health row reported by the status endpoint.
type AgentStatus struct {
	Name         string  `json:"name"`
	SuccessRate  float64 `json:"success_rate"`
	RequestCount int64   `json:"requests"`
	UptimeSec    float64 `json:"uptime"`
}

type agentStats struct {
	requests  int64
	successes int64
}

// StatsTracker accumulates per-agent request outcomes. Uptime is measured
// from tracker creation, which coincides with process start.
type StatsTracker struct {
	startedAt time.Time
	now       func() time.Time

	mu    sync.RWMutex
	stats map[AgentTag]*agentStats
}

// NewStatsTracker creates an empty tracker.
func NewStatsTracker() *StatsTracker {
	observability.EnsureRegistered()

	return &StatsTracker{
		startedAt: time.Now(),
		now:       time.Now,
		stats:     make(map[AgentTag]*agentStats),
	}
}

// WithNow allows tests to control the clock.
func (t *StatsTracker) WithNow(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Record registers one routed request and its outcome.
func (t *StatsTracker) Record(tag AgentTag, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[tag]
	if !ok {
		s = &agentStats{}
		t.stats[tag] = s
	}
	s.requests++
	if success {
		s.successes++
	}

	observability.RecordAgentSelected(string(tag))
}

// Status reports one row per scored agent in declared order. Agents that
// have never been selected report a success rate of 1.0.
func (t *StatsTracker) Status() []AgentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	uptime := t.now().Sub(t.startedAt).Seconds()

	out := make([]AgentStatus, 0, len(agentTable))
	for _, spec := range agentTable {
		row := AgentStatus{
			Name:        string(spec.tag),
			SuccessRate: 1.0,
			UptimeSec:   uptime,
		}
		if s, ok := t.stats[spec.tag]; ok && s.requests > 0 {
			row.RequestCount = s.requests
			row.SuccessRate = float64(s.successes) / float64(s.requests)
		}
		out = append(out, row)
	}
	return out
}
