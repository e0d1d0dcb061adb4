// Package usage defines the engine's billing-adjacent event reporting
// boundary: a UsageEvent per terminal AgentTask and the sink interface an
// embedder wires to account for it. The engine computes no prices.
package usage

import (
	"context"

	"github.com/itsneelabh/paperflow/core"
)

// Event is emitted once per terminal AgentTask, including cache hits.
type Event struct {
	UserID     string
	AgentKind  string
	Provider   string
	TaskID     string
	Attempts   int
	DurationMs int64
	Success    bool
	Cached     bool
}

// Sink receives usage events. The engine never inspects pricing; it only
// reports what happened.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NoOpSink discards every event. It is the default when an embedder does
// not wire billing.
type NoOpSink struct{}

func (NoOpSink) Record(ctx context.Context, event Event) {}

// LoggingSink routes usage events through a core.Logger instead of a
// billing system, useful for embedders that only want an audit trail.
type LoggingSink struct {
	Logger core.Logger
}

func NewLoggingSink(logger core.Logger) *LoggingSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LoggingSink{Logger: logger}
}

func (s *LoggingSink) Record(ctx context.Context, event Event) {
	s.Logger.InfoWithContext(ctx, "usage event", map[string]interface{}{
		"user_id":     event.UserID,
		"agent_kind":  event.AgentKind,
		"provider":    event.Provider,
		"task_id":     event.TaskID,
		"attempts":    event.Attempts,
		"duration_ms": event.DurationMs,
		"success":     event.Success,
		"cached":      event.Cached,
	})
}
