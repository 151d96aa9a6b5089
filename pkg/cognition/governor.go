package cognition

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/indoria/guppi/pkg/bus"
)

// Governor is the hard cap on thinking: a sliding-window counter over think
// cycles plus a public status beacon other agents and dashboards can read.
type Governor struct {
	agentName func() string
	busClient bus.Client
	retry     bus.RetryPolicy
	limit     int
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	history []time.Time
}

func NewGovernor(agentName func() string, busClient bus.Client, retry bus.RetryPolicy, limit int, window time.Duration) *Governor {
	return &Governor{
		agentName: agentName,
		busClient: busClient,
		retry:     retry,
		limit:     limit,
		window:    window,
		now:       time.Now,
	}
}

// Allow records one think cycle if the window has room. A false return means
// the circuit breaker is active.
func (g *Governor) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	kept := g.history[:0]
	for _, t := range g.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.history = kept

	if len(g.history) >= g.limit {
		return false
	}
	g.history = append(g.history, now)
	return true
}

// SetStatus publishes the agent's state beacon with a day's expiry so a dead
// agent eventually reads as absent rather than stuck.
func (g *Governor) SetStatus(ctx context.Context, state, reason string) {
	host, _ := os.Hostname()
	payload, _ := json.Marshal(map[string]interface{}{
		"state":     state,
		"reason":    reason,
		"timestamp": g.now().Unix(),
		"host":      host,
	})

	err := bus.Retry(ctx, g.retry, func() error {
		return g.busClient.SetEX(ctx, "status:"+g.agentName(), string(payload), 24*time.Hour)
	})
	if err != nil {
		slog.Warn("failed to publish status beacon", "state", state, "error", err)
	}
}
