package retry

import (
	"context"
	"time"

	"github.com/artpromedia/payhook/internal/dispatch"
	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	"go.uber.org/zap"
)

// Backoff decides the delay before the next attempt. attempt is zero-based:
// Delay(0, err) is the pause after the first failure.
type Backoff interface {
	Delay(attempt int, err error) time.Duration
}

// Schedule is a fixed delay table indexed by attempt number. Attempts past
// the end of the table reuse the last delay, so delays from one schedule
// are always non-decreasing when the table itself is.
type Schedule []time.Duration

func (s Schedule) Delay(attempt int, _ error) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}

// CategoryBackoff routes each failure to a schedule by category. Some
// failure classes warrant very different pacing: funds-availability
// failures need multi-hour delays, transient network failures sub-minute
// ones. Classify maps an error to a category name; unmatched categories
// fall back to Default.
type CategoryBackoff struct {
	Default    Backoff
	Classify   func(err error) string
	Categories map[string]Backoff
}

func (c CategoryBackoff) Delay(attempt int, err error) time.Duration {
	if c.Classify != nil {
		if b, ok := c.Categories[c.Classify(err)]; ok {
			return b.Delay(attempt, err)
		}
	}
	return c.Default.Delay(attempt, err)
}

// Executor invokes a handler with bounded retries. It never rolls back
// partial handler effects; handlers are required to be retry-safe.
type Executor struct {
	maxRetries int
	backoff    Backoff
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewExecutor(maxRetries int, backoff Backoff, logger *log.Logger) *Executor {
	return &Executor{
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// Execute runs the handler, retrying up to maxRetries additional times
// after the first failure. It reports how many attempts ran; after
// exhaustion the last error is returned for the caller to dead-letter.
func (e *Executor) Execute(ctx context.Context, h dispatch.Handler, evt event.Event) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}
		attempts++
		lastErr = h(ctx, evt)
		if lastErr == nil {
			return attempts, nil
		}
		if attempt == e.maxRetries {
			break
		}
		delay := e.backoff.Delay(attempt, lastErr)
		e.logger.Warn("Handler failed, retrying",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		if err := e.sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
	e.logger.Error("Handler exhausted retries",
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return attempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
