package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpromedia/payhook/internal/dispatch"
	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"
	"github.com/artpromedia/payhook/internal/metrics"
	"github.com/artpromedia/payhook/internal/ordering"
	"github.com/artpromedia/payhook/internal/retry"
	"github.com/artpromedia/payhook/internal/signature"
	"github.com/artpromedia/payhook/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeLedger mirrors the claim semantics of the Postgres ledger in memory.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*store.LedgerRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*store.LedgerRecord)}
}

func (f *fakeLedger) Get(ctx context.Context, eventID string) (*store.LedgerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[eventID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeLedger) Claim(ctx context.Context, evt event.Event) (store.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[evt.ID]
	if !ok {
		rec = &store.LedgerRecord{
			EventID:       evt.ID,
			EventType:     evt.Type,
			Payload:       evt.Payload,
			Status:        store.StatusProcessing,
			Attempts:      1,
			CreatedAt:     evt.Created,
			ReceivedAt:    evt.Received,
			LastAttemptAt: time.Now(),
		}
		if evt.ResourceID != "" {
			rid := evt.ResourceID
			rec.ResourceID = &rid
		}
		f.records[evt.ID] = rec
		return store.ClaimResult{Claimed: true, Attempts: 1}, nil
	}
	if rec.Status == store.StatusFailed {
		rec.Status = store.StatusProcessing
		rec.Attempts++
		rec.LastAttemptAt = time.Now()
		return store.ClaimResult{Claimed: true, Attempts: rec.Attempts}, nil
	}
	cp := *rec
	return store.ClaimResult{Claimed: false, Existing: &cp}, nil
}

func (f *fakeLedger) Complete(ctx context.Context, eventID, result string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[eventID]
	rec.Status = store.StatusCompleted
	rec.Result = &result
	rec.Error = nil
	if attempts > 1 {
		rec.Attempts += attempts - 1
	}
	now := time.Now()
	rec.ProcessedAt = &now
	return nil
}

func (f *fakeLedger) Fail(ctx context.Context, eventID, errMsg string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[eventID]
	rec.Status = store.StatusFailed
	rec.Error = &errMsg
	if attempts > 1 {
		rec.Attempts += attempts - 1
	}
	return nil
}

func (f *fakeLedger) InFlightEarlier(ctx context.Context, resourceID string, before time.Time, excludeEventID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, rec := range f.records {
		if rec.Status != store.StatusProcessing || rec.EventID == excludeEventID {
			continue
		}
		if rec.ResourceID == nil || *rec.ResourceID != resourceID {
			continue
		}
		if rec.CreatedAt.Before(before) {
			count++
		}
	}
	return count, nil
}

func (f *fakeLedger) status(eventID string) store.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[eventID]
	if !ok {
		return ""
	}
	return rec.Status
}

func (f *fakeLedger) record(t *testing.T, eventID string) store.LedgerRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[eventID]
	if !ok {
		t.Fatalf("no ledger record for %s", eventID)
	}
	return *rec
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	nextID  int64
	entries []*store.DeadLetter
}

func (f *fakeDeadLetters) Insert(ctx context.Context, evt event.Event, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.EventID == evt.ID && entry.ReprocessedAt == nil {
			entry.Error = errMsg
			return nil
		}
	}
	f.nextID++
	f.entries = append(f.entries, &store.DeadLetter{
		ID:        f.nextID,
		EventID:   evt.ID,
		EventType: evt.Type,
		Payload:   evt.Payload,
		Error:     errMsg,
		CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeDeadLetters) Pending(ctx context.Context, limit int) ([]store.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DeadLetter
	for _, entry := range f.entries {
		if entry.ReprocessedAt == nil {
			out = append(out, *entry)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDeadLetters) MarkReprocessed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range f.entries {
		if entry.ID == id && entry.ReprocessedAt == nil {
			now := time.Now()
			entry.ReprocessedAt = &now
		}
	}
	return nil
}

func (f *fakeDeadLetters) all() []store.DeadLetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.DeadLetter, 0, len(f.entries))
	for _, entry := range f.entries {
		out = append(out, *entry)
	}
	return out
}

type fakeAlerter struct {
	mu     sync.Mutex
	raised []string
}

func (f *fakeAlerter) Alert(ctx context.Context, evt event.Event, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, evt.ID)
}

type testEnv struct {
	ledger   *fakeLedger
	dlq      *fakeDeadLetters
	registry *dispatch.Registry
	alerter  *fakeAlerter
	recorder *metrics.Recorder
	engine   *Engine
}

func newTestEnv(t *testing.T, orderedTypes, criticalTypes []string) *testEnv {
	t.Helper()
	logger := log.NewNop()
	env := &testEnv{
		ledger:   newFakeLedger(),
		dlq:      &fakeDeadLetters{},
		registry: dispatch.NewRegistry(),
		alerter:  &fakeAlerter{},
		recorder: metrics.NewRecorder(prometheus.NewRegistry(), logger),
	}
	env.engine = New(Options{
		Ledger:      env.ledger,
		DeadLetters: env.dlq,
		Verifier:    signature.NewVerifier("whsec_test", 5*time.Minute),
		Registry:    env.registry,
		Executor:    retry.NewExecutor(3, retry.Schedule{0}, logger),
		Ordering:    ordering.NewCoordinator(env.ledger, orderedTypes, 5*time.Millisecond, 200*time.Millisecond, logger),
		Alerter:     env.alerter,
		Metrics:     env.recorder,
		Critical:    criticalTypes,
		Logger:      logger,
	})
	return env
}

func makeEvent(t *testing.T, id, eventType, resourceID string, created time.Time) event.Event {
	t.Helper()
	raw := []byte(fmt.Sprintf(
		`{"id":"%s","type":"%s","created":%d,"data":{"object":{"id":"%s","amount":4200}}}`,
		id, eventType, created.Unix(), resourceID))
	evt, err := event.Parse(raw, time.Now())
	if err != nil {
		t.Fatalf("make event: %s", err)
	}
	return evt
}

func TestDuplicateDeliveryRunsHandlerOnce(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	invocations := 0
	env.registry.Register("payment_intent.succeeded", func(ctx context.Context, evt event.Event) error {
		invocations++
		return nil
	})

	evt := makeEvent(t, "evt_1", "payment_intent.succeeded", "pi_1", time.Now())

	first := env.engine.ProcessEvent(context.Background(), evt)
	if first.Status != OutcomeCompleted || first.Result != store.ResultSuccess {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	if env.ledger.status("evt_1") != store.StatusCompleted {
		t.Errorf("ledger not completed after first delivery")
	}

	second := env.engine.ProcessEvent(context.Background(), evt)
	if !second.Skipped || second.Status != OutcomeSkipped {
		t.Fatalf("unexpected second outcome %+v", second)
	}
	if second.Result != store.ResultSuccess {
		t.Errorf("duplicate should report the original result, got %q", second.Result)
	}
	if invocations != 1 {
		t.Errorf("handler invoked %d times, expected 1", invocations)
	}

	snap := env.recorder.Snapshot()
	if snap.Skipped != 1 {
		t.Errorf("expected skipped counter 1, got %d", snap.Skipped)
	}
	if snap.Success != 1 {
		t.Errorf("expected success counter 1, got %d", snap.Success)
	}
	// The duplicate moves only the skipped counter.
	if snap.Total != 1 {
		t.Errorf("duplicate delivery advanced total: got %d, expected 1", snap.Total)
	}
	if snap.PerType["payment_intent.succeeded"] != 1 {
		t.Errorf("duplicate delivery advanced per-type count: got %d, expected 1",
			snap.PerType["payment_intent.succeeded"])
	}
}

func TestConcurrentInFlightDuplicateIsSkipped(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	evt := makeEvent(t, "evt_1", "payment_intent.succeeded", "pi_1", time.Now())

	// A concurrent delivery already owns the claim.
	if claim, _ := env.ledger.Claim(context.Background(), evt); !claim.Claimed {
		t.Fatal("seed claim failed")
	}

	outcome := env.engine.ProcessEvent(context.Background(), evt)
	if outcome.Status != OutcomeInFlight || !outcome.Skipped {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if env.ledger.record(t, "evt_1").Attempts != 1 {
		t.Error("losing delivery must not advance the attempt count")
	}
}

func TestNoHandlerCompletesAsNoop(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	evt := makeEvent(t, "evt_9", "unsubscribed.topic", "", time.Now())

	outcome := env.engine.ProcessEvent(context.Background(), evt)
	if outcome.Status != OutcomeCompleted || outcome.Result != store.ResultNoHandler {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	rec := env.ledger.record(t, "evt_9")
	if rec.Status != store.StatusCompleted {
		t.Errorf("ledger status %s, expected completed", rec.Status)
	}
	if rec.Result == nil || *rec.Result != store.ResultNoHandler {
		t.Error("ledger result should be no_handler")
	}
	if len(env.dlq.all()) != 0 {
		t.Error("no-handler events must never dead-letter")
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	invocations := 0
	env.registry.Register("payout.paid", func(ctx context.Context, evt event.Event) error {
		invocations++
		return fmt.Errorf("escrow ledger unavailable (attempt %d)", invocations)
	})

	evt := makeEvent(t, "evt_5", "payout.paid", "po_1", time.Now())
	outcome := env.engine.ProcessEvent(context.Background(), evt)

	if outcome.Status != OutcomeDeadLettered {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if invocations != 4 {
		t.Errorf("handler invoked %d times, expected 1+3", invocations)
	}

	rec := env.ledger.record(t, "evt_5")
	if rec.Status != store.StatusFailed {
		t.Errorf("ledger status %s, expected failed", rec.Status)
	}
	if rec.Attempts != 4 {
		t.Errorf("ledger attempts %d, expected 4", rec.Attempts)
	}
	if rec.Error == nil || *rec.Error != "escrow ledger unavailable (attempt 4)" {
		t.Error("ledger should carry the last error")
	}

	entries := env.dlq.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Error != "escrow ledger unavailable (attempt 4)" {
		t.Errorf("dead letter error %q does not match last thrown error", entries[0].Error)
	}
	if len(env.alerter.raised) != 0 {
		t.Error("non-critical type should not alert")
	}
}

func TestCriticalTypeAlertsOnDeadLetter(t *testing.T) {
	env := newTestEnv(t, nil, []string{"payout.paid"})
	env.registry.Register("payout.paid", func(ctx context.Context, evt event.Event) error {
		return errors.New("bank rejected transfer")
	})

	evt := makeEvent(t, "evt_6", "payout.paid", "po_2", time.Now())
	env.engine.ProcessEvent(context.Background(), evt)

	if len(env.alerter.raised) != 1 || env.alerter.raised[0] != "evt_6" {
		t.Errorf("expected alert for evt_6, got %v", env.alerter.raised)
	}
}

func TestOrderingDelaysLaterEventForSameResource(t *testing.T) {
	env := newTestEnv(t, []string{"payout.updated"}, nil)

	now := time.Now()
	earlier := makeEvent(t, "evt_a", "payout.updated", "po_1", now.Add(-2*time.Second))
	later := makeEvent(t, "evt_b", "payout.updated", "po_1", now)

	// The earlier event is mid-flight.
	if claim, _ := env.ledger.Claim(context.Background(), earlier); !claim.Claimed {
		t.Fatal("seed claim failed")
	}

	var earlierStatusAtDispatch store.Status
	env.registry.Register("payout.updated", func(ctx context.Context, evt event.Event) error {
		earlierStatusAtDispatch = env.ledger.status("evt_a")
		return nil
	})

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.ledger.Complete(context.Background(), "evt_a", store.ResultSuccess, 1)
	}()

	outcome := env.engine.ProcessEvent(context.Background(), later)
	if outcome.Status != OutcomeCompleted {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if earlierStatusAtDispatch == store.StatusProcessing {
		t.Error("later event dispatched while the earlier event was still processing")
	}
}

func TestOrderingTimeoutProceeds(t *testing.T) {
	env := newTestEnv(t, []string{"payout.updated"}, nil)

	now := time.Now()
	earlier := makeEvent(t, "evt_a", "payout.updated", "po_1", now.Add(-2*time.Second))
	later := makeEvent(t, "evt_b", "payout.updated", "po_1", now)

	// Stuck earlier event: claimed, never finishes.
	env.ledger.Claim(context.Background(), earlier)

	invoked := false
	env.registry.Register("payout.updated", func(ctx context.Context, evt event.Event) error {
		invoked = true
		return nil
	})

	outcome := env.engine.ProcessEvent(context.Background(), later)
	if outcome.Status != OutcomeCompleted || !invoked {
		t.Fatalf("timed-out ordering wait must not block the event: %+v", outcome)
	}
}

func TestRedeliveryAfterFailureReclaims(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	shouldFail := true
	env.registry.Register("charge.refunded", func(ctx context.Context, evt event.Event) error {
		if shouldFail {
			return errors.New("refund service down")
		}
		return nil
	})

	evt := makeEvent(t, "evt_7", "charge.refunded", "ch_1", time.Now())

	if outcome := env.engine.ProcessEvent(context.Background(), evt); outcome.Status != OutcomeDeadLettered {
		t.Fatalf("expected dead-lettered, got %+v", outcome)
	}

	// Provider-level redelivery after the outage clears.
	shouldFail = false
	outcome := env.engine.ProcessEvent(context.Background(), evt)
	if outcome.Status != OutcomeCompleted {
		t.Fatalf("expected completed on redelivery, got %+v", outcome)
	}
	if env.ledger.status("evt_7") != store.StatusCompleted {
		t.Error("ledger should be completed after successful redelivery")
	}
}

func TestReprocessDeadLetters(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	shouldFail := true
	env.registry.Register("payout.paid", func(ctx context.Context, evt event.Event) error {
		if shouldFail {
			return errors.New("bank unavailable")
		}
		return nil
	})

	evt := makeEvent(t, "evt_8", "payout.paid", "po_9", time.Now())
	env.engine.ProcessEvent(context.Background(), evt)

	pending, _ := env.dlq.Pending(context.Background(), 10)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending dead letter, got %d", len(pending))
	}

	shouldFail = false
	recovered, err := env.engine.ReprocessDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("reprocess failed: %s", err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered, got %d", recovered)
	}

	pending, _ = env.dlq.Pending(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("reprocessed entry still pending")
	}
	entries := env.dlq.all()
	if len(entries) != 1 || entries[0].ReprocessedAt == nil {
		t.Error("entry should remain with reprocessed_at set")
	}
	if env.ledger.status("evt_8") != store.StatusCompleted {
		t.Error("ledger should be completed after reprocessing")
	}
}

func TestReprocessLeavesStillFailingEntriesPending(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.registry.Register("payout.paid", func(ctx context.Context, evt event.Event) error {
		return errors.New("still broken")
	})

	evt := makeEvent(t, "evt_8", "payout.paid", "po_9", time.Now())
	env.engine.ProcessEvent(context.Background(), evt)

	recovered, err := env.engine.ReprocessDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("reprocess failed: %s", err)
	}
	if recovered != 0 {
		t.Errorf("expected 0 recovered, got %d", recovered)
	}
	pending, _ := env.dlq.Pending(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("still-failing entry should stay pending, got %d", len(pending))
	}
}

func TestReprocessSettlesEntriesCompletedByRedelivery(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	shouldFail := true
	env.registry.Register("payout.paid", func(ctx context.Context, evt event.Event) error {
		if shouldFail {
			return errors.New("bank unavailable")
		}
		return nil
	})

	evt := makeEvent(t, "evt_10", "payout.paid", "po_3", time.Now())
	env.engine.ProcessEvent(context.Background(), evt)

	// A live provider redelivery succeeds before any reprocessing runs. The
	// dead letter is still pending at this point.
	shouldFail = false
	if outcome := env.engine.ProcessEvent(context.Background(), evt); outcome.Status != OutcomeCompleted {
		t.Fatalf("expected completed redelivery, got %+v", outcome)
	}
	if pending, _ := env.dlq.Pending(context.Background(), 10); len(pending) != 1 {
		t.Fatalf("expected 1 pending entry before reprocess, got %d", len(pending))
	}

	recovered, err := env.engine.ReprocessDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("reprocess failed: %s", err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered, got %d", recovered)
	}
	pending, _ := env.dlq.Pending(context.Background(), 10)
	if len(pending) != 0 {
		t.Errorf("entry for already-completed event still pending after reprocess")
	}
	entries := env.dlq.all()
	if len(entries) != 1 || entries[0].ReprocessedAt == nil {
		t.Error("entry should remain with reprocessed_at set")
	}
}

func TestIntakeRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	raw := []byte(`{"id":"evt_1","type":"ping","created":1712000000,"data":{}}`)

	if _, err := env.engine.Intake(raw, "t=1712000000,v1=deadbeef"); !errors.Is(err, signature.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
	if env.ledger.status("evt_1") != "" {
		t.Error("rejected payload must never reach the ledger")
	}
}
