package engine

import (
	"context"
	"time"

	"github.com/artpromedia/payhook/internal/alert"
	"github.com/artpromedia/payhook/internal/dedupe"
	"github.com/artpromedia/payhook/internal/dispatch"
	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/journal"
	"github.com/artpromedia/payhook/internal/log"
	"github.com/artpromedia/payhook/internal/metrics"
	"github.com/artpromedia/payhook/internal/ordering"
	"github.com/artpromedia/payhook/internal/retry"
	"github.com/artpromedia/payhook/internal/signature"
	"github.com/artpromedia/payhook/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the durable event ledger the engine records processing state
// in. Satisfied by store.LedgerStore.
type Ledger interface {
	Get(ctx context.Context, eventID string) (*store.LedgerRecord, error)
	Claim(ctx context.Context, evt event.Event) (store.ClaimResult, error)
	Complete(ctx context.Context, eventID, result string, attempts int) error
	Fail(ctx context.Context, eventID, errMsg string, attempts int) error
	InFlightEarlier(ctx context.Context, resourceID string, before time.Time, excludeEventID string) (int, error)
}

// DeadLetters is the quarantine store. Satisfied by store.DeadLetterStore.
type DeadLetters interface {
	Insert(ctx context.Context, evt event.Event, errMsg string) error
	Pending(ctx context.Context, limit int) ([]store.DeadLetter, error)
	MarkReprocessed(ctx context.Context, id int64) error
}

// Outcome statuses for one delivery walk through the pipeline.
const (
	OutcomeCompleted    = "completed"
	OutcomeSkipped      = "skipped"
	OutcomeInFlight     = "duplicate_in_flight"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeError        = "error"
)

// Outcome reports how a delivery resolved. Skipped deliveries carry the
// result recorded by the delivery that actually ran the handler.
type Outcome struct {
	Status  string `json:"status"`
	Result  string `json:"result,omitempty"`
	Skipped bool   `json:"skipped"`
}

// Engine wires the webhook pipeline: signature verification, idempotency
// gate, ordering wait, dispatch, bounded retries, dead-letter quarantine
// and metrics. All collaborators are injected at construction.
type Engine struct {
	ledger      Ledger
	deadLetters DeadLetters
	verifier    *signature.Verifier
	registry    *dispatch.Registry
	executor    *retry.Executor
	ordering    *ordering.Coordinator
	cache       *dedupe.Cache
	alerter     alert.Alerter
	metrics     *metrics.Recorder
	journal     *journal.Journal
	critical    map[string]struct{}
	logger      *log.Logger
}

type Options struct {
	Ledger      Ledger
	DeadLetters DeadLetters
	Verifier    *signature.Verifier
	Registry    *dispatch.Registry
	Executor    *retry.Executor
	Ordering    *ordering.Coordinator
	Cache       *dedupe.Cache // optional
	Alerter     alert.Alerter
	Metrics     *metrics.Recorder
	Journal     *journal.Journal // optional
	Critical    []string
	Logger      *log.Logger
}

func New(opts Options) *Engine {
	critical := make(map[string]struct{}, len(opts.Critical))
	for _, t := range opts.Critical {
		critical[t] = struct{}{}
	}
	return &Engine{
		ledger:      opts.Ledger,
		deadLetters: opts.DeadLetters,
		verifier:    opts.Verifier,
		registry:    opts.Registry,
		executor:    opts.Executor,
		ordering:    opts.Ordering,
		cache:       opts.Cache,
		alerter:     opts.Alerter,
		metrics:     opts.Metrics,
		journal:     opts.Journal,
		critical:    critical,
		logger:      opts.Logger,
	}
}

// Intake verifies a raw delivery. The only error surfaced to the HTTP
// caller is a rejection; every later outcome resolves internally.
func (e *Engine) Intake(raw []byte, sigHeader string) (event.Event, error) {
	return e.verifier.Verify(raw, sigHeader)
}

// Submit journals a verified event and processes it asynchronously, so the
// provider gets its 200 without waiting out retries.
func (e *Engine) Submit(evt event.Event) {
	if e.journal != nil {
		if err := e.journal.Append(evt); err != nil {
			e.logger.Error("Failed to journal event", zap.Error(err), zap.String("event_id", evt.ID))
		}
	}
	go e.ProcessEvent(context.Background(), evt)
}

// ProcessEvent walks one verified event through the pipeline and resolves
// it to a terminal outcome. Safe to call concurrently for any mix of
// events, including redeliveries of the same id.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) Outcome {
	deliveryID := uuid.NewString()
	logger := e.logger.With(
		zap.String("delivery_id", deliveryID),
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
	)
	// Fast duplicate path: completed events land in the cache, sparing the
	// ledger a read. Authoritative answer still comes from Claim below.
	if result, ok := e.cache.SeenCompleted(ctx, evt.ID); ok {
		e.metrics.Skipped()
		logger.Info("Skipped duplicate delivery (cache)")
		return Outcome{Status: OutcomeSkipped, Result: result, Skipped: true}
	}

	claim, err := e.ledger.Claim(ctx, evt)
	if err != nil {
		logger.Error("Failed to claim event", zap.Error(err))
		return Outcome{Status: OutcomeError}
	}
	if !claim.Claimed {
		e.metrics.Skipped()
		if claim.Existing != nil && claim.Existing.Status == store.StatusCompleted {
			result := ""
			if claim.Existing.Result != nil {
				result = *claim.Existing.Result
			}
			e.cache.MarkCompleted(ctx, evt.ID, result)
			logger.Info("Skipped duplicate delivery", zap.String("result", result))
			return Outcome{Status: OutcomeSkipped, Result: result, Skipped: true}
		}
		logger.Info("Skipped delivery, another is in flight")
		return Outcome{Status: OutcomeInFlight, Skipped: true}
	}

	// Only the delivery that owns the claim counts toward throughput; a
	// confirmed duplicate moves the skipped counter and nothing else.
	e.metrics.Received(evt.Type)

	e.ordering.Await(ctx, evt)

	handler, ok := e.registry.Lookup(evt.Type)
	if !ok {
		if err := e.ledger.Complete(ctx, evt.ID, store.ResultNoHandler, 1); err != nil {
			logger.Error("Failed to record no-handler completion", zap.Error(err))
			return Outcome{Status: OutcomeError}
		}
		e.cache.MarkCompleted(ctx, evt.ID, store.ResultNoHandler)
		e.metrics.Completed(0)
		logger.Info("No handler registered, acknowledged as no-op")
		return Outcome{Status: OutcomeCompleted, Result: store.ResultNoHandler}
	}

	start := time.Now()
	attempts, handlerErr := e.executor.Execute(ctx, handler, evt)
	elapsed := time.Since(start)

	if handlerErr == nil {
		if err := e.ledger.Complete(ctx, evt.ID, store.ResultSuccess, attempts); err != nil {
			logger.Error("Failed to record completion", zap.Error(err))
			return Outcome{Status: OutcomeError}
		}
		e.cache.MarkCompleted(ctx, evt.ID, store.ResultSuccess)
		e.metrics.Completed(elapsed)
		logger.Info("Event processed", zap.Int("attempts", attempts), zap.Duration("duration", elapsed))
		return Outcome{Status: OutcomeCompleted, Result: store.ResultSuccess}
	}

	// Retries exhausted: quarantine for reprocessing and mark the ledger.
	if err := e.deadLetters.Insert(ctx, evt, handlerErr.Error()); err != nil {
		logger.Error("Failed to insert dead letter", zap.Error(err))
	}
	if err := e.ledger.Fail(ctx, evt.ID, handlerErr.Error(), attempts); err != nil {
		logger.Error("Failed to record failure", zap.Error(err))
	}
	if _, isCritical := e.critical[evt.Type]; isCritical {
		e.alerter.Alert(ctx, evt, handlerErr.Error())
	}
	e.metrics.Failed(elapsed)
	logger.Error("Event dead-lettered", zap.Error(handlerErr), zap.Duration("duration", elapsed))
	return Outcome{Status: OutcomeDeadLettered, Result: handlerErr.Error()}
}
