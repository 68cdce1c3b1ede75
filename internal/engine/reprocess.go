package engine

import (
	"context"
	"time"

	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ReprocessDeadLetters re-submits pending dead letters, oldest first,
// through the regular pipeline. Signature verification is skipped — the
// payload was verified before it was quarantined. The claim path makes
// this safe to run concurrently with live intake. Returns the number of
// entries that completed.
func (e *Engine) ReprocessDeadLetters(ctx context.Context, limit int) (int, error) {
	entries, err := e.deadLetters.Pending(ctx, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, entry := range entries {
		evt, err := event.Parse(entry.Payload, time.Now())
		if err != nil {
			e.logger.Error("Skipping unparseable dead letter",
				zap.Error(err), zap.Int64("dead_letter_id", entry.ID), zap.String("event_id", entry.EventID))
			continue
		}
		outcome := e.ProcessEvent(ctx, evt)
		// A skip means the event already completed, typically via a live
		// provider redelivery after it was quarantined. The entry is just as
		// settled as one this run completed; leaving it pending would have
		// every future batch rescan it.
		if outcome.Status != OutcomeCompleted && outcome.Status != OutcomeSkipped {
			continue
		}
		if err := e.deadLetters.MarkReprocessed(ctx, entry.ID); err != nil {
			e.logger.Error("Failed to mark dead letter reprocessed",
				zap.Error(err), zap.Int64("dead_letter_id", entry.ID))
			continue
		}
		recovered++
		e.logger.Info("Dead letter reprocessed",
			zap.Int64("dead_letter_id", entry.ID), zap.String("event_id", entry.EventID))
	}
	return recovered, nil
}

// Reprocessor periodically drains pending dead letters in bounded batches.
// The circuit breaker keeps a struggling store or handler fleet from being
// hammered every tick.
type Reprocessor struct {
	engine   *Engine
	interval time.Duration
	batch    int
	cb       *gobreaker.CircuitBreaker
	logger   *log.Logger
}

func NewReprocessor(eng *Engine, interval time.Duration, batch int, logger *log.Logger) *Reprocessor {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dead-letter-reprocessor",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Reprocessor{
		engine:   eng,
		interval: interval,
		batch:    batch,
		cb:       cb,
		logger:   logger,
	}
}

func (r *Reprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reprocessor shutting down")
			return
		case <-ticker.C:
			n, err := r.cb.Execute(func() (interface{}, error) {
				recovered, err := r.engine.ReprocessDeadLetters(ctx, r.batch)
				return recovered, err
			})
			if err != nil {
				r.logger.Error("Reprocess batch failed", zap.Error(err))
				continue
			}
			if recovered := n.(int); recovered > 0 {
				r.logger.Info("Reprocessed dead letters", zap.Int("recovered", recovered))
			}
		}
	}
}
