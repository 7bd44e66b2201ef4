// Package notify delivers lifecycle events to interested parties. Delivery is
// fire-and-forget: the coordinator records events in the transactional outbox
// and the worker here drains it after commit, so a failing sink can never
// roll back the transition that produced the message.
package notify

import (
	"context"
	"log/slog"
)

// Event is one lifecycle notification addressed to the engagement's parties.
type Event struct {
	Kind         string
	EngagementID string
	PartyIDs     []string
}

// Sink receives lifecycle events. Implementations must tolerate duplicate
// delivery; the outbox retries on failure.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. It is the default sink and a
// useful stand-in wherever no push channel is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "lifecycle event",
		"kind", event.Kind,
		"engagement_id", event.EngagementID,
		"party_ids", event.PartyIDs,
	)
	return nil
}
