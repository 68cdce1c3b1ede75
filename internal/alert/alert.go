package alert

import (
	"context"

	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	"go.uber.org/zap"
)

// Alerter is raised when a business-critical event type is dead-lettered.
// Pluggable so deployments can page instead of log.
type Alerter interface {
	Alert(ctx context.Context, evt event.Event, reason string)
}

// LogAlerter is the base implementation: a synchronous error-level log.
type LogAlerter struct {
	logger *log.Logger
}

func NewLogAlerter(logger *log.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, evt event.Event, reason string) {
	a.logger.Error("ALERT: critical webhook event dead-lettered",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("resource_id", evt.ResourceID),
		zap.String("reason", reason))
}
