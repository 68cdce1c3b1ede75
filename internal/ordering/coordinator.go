package ordering

import (
	"context"
	"time"

	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	"go.uber.org/zap"
)

// InFlightSource reports how many events for the same resource are still
// processing with an earlier provider creation timestamp. Backed by the
// event ledger.
type InFlightSource interface {
	InFlightEarlier(ctx context.Context, resourceID string, before time.Time, excludeEventID string) (int, error)
}

// Coordinator delays dispatch of order-sensitive events until
// causally-earlier in-flight events for the same resource finish. The wait
// is best-effort: it polls the ledger at a fixed interval and gives up
// after a bounded timeout rather than letting one stuck event starve every
// later event for the resource. Earlier events that have not arrived at all
// are not waited for.
type Coordinator struct {
	source       InFlightSource
	orderedTypes map[string]struct{}
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       *log.Logger
}

func NewCoordinator(source InFlightSource, orderedTypes []string, pollInterval, waitTimeout time.Duration, logger *log.Logger) *Coordinator {
	types := make(map[string]struct{}, len(orderedTypes))
	for _, t := range orderedTypes {
		types[t] = struct{}{}
	}
	return &Coordinator{
		source:       source,
		orderedTypes: types,
		pollInterval: pollInterval,
		waitTimeout:  waitTimeout,
		logger:       logger,
	}
}

// Await blocks until no causally-earlier event for the same resource is
// still processing, or the wait times out. A no-op for types outside the
// order-sensitive set and for events without a resource id.
func (c *Coordinator) Await(ctx context.Context, evt event.Event) {
	if _, ok := c.orderedTypes[evt.Type]; !ok {
		return
	}
	if evt.ResourceID == "" {
		return
	}

	deadline := time.Now().Add(c.waitTimeout)
	for {
		count, err := c.source.InFlightEarlier(ctx, evt.ResourceID, evt.Created, evt.ID)
		if err != nil {
			// Ledger unavailable: proceeding beats blocking the delivery.
			c.logger.Warn("Ordering query failed, proceeding",
				zap.Error(err), zap.String("event_id", evt.ID))
			return
		}
		if count == 0 {
			return
		}
		if time.Now().After(deadline) {
			c.logger.Warn("Ordering wait timed out, proceeding",
				zap.String("event_id", evt.ID),
				zap.String("resource_id", evt.ResourceID),
				zap.Int("still_in_flight", count))
			return
		}
		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
