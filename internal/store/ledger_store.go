package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// LedgerStore persists event processing state in Postgres. It is the single
// source of truth for "is this event already claimed".
type LedgerStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewLedgerStore(db *sql.DB, logger *log.Logger) *LedgerStore {
	return &LedgerStore{db: db, logger: logger}
}

func (s *LedgerStore) DB() *sql.DB {
	return s.db
}

// Get returns the ledger record for an event id, or nil if none exists.
func (s *LedgerStore) Get(ctx context.Context, eventID string) (*LedgerRecord, error) {
	var rec LedgerRecord
	err := s.db.QueryRowContext(ctx, `
        SELECT event_id, event_type, resource_id, payload, status, attempts, result, error,
               created_at, received_at, last_attempt_at, processed_at
        FROM webhook_events WHERE event_id = $1
    `, eventID).Scan(&rec.EventID, &rec.EventType, &rec.ResourceID, &rec.Payload, &rec.Status,
		&rec.Attempts, &rec.Result, &rec.Error, &rec.CreatedAt, &rec.ReceivedAt,
		&rec.LastAttemptAt, &rec.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger record: %w", err)
	}
	return &rec, nil
}

// Claim establishes this delivery's ownership of the event. The upsert is a
// single statement so two concurrent deliveries of the same id cannot both
// pass: a fresh id inserts at 'processing', a previously failed record
// re-enters 'processing' with its attempt count bumped, and a record that is
// completed or already processing matches no branch and returns no row.
func (s *LedgerStore) Claim(ctx context.Context, evt event.Event) (ClaimResult, error) {
	var resourceID *string
	if evt.ResourceID != "" {
		resourceID = &evt.ResourceID
	}
	now := time.Now()

	var attempts int
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO webhook_events
            (event_id, event_type, resource_id, payload, status, attempts, created_at, received_at, last_attempt_at)
        VALUES ($1, $2, $3, $4, 'processing', 1, $5, $6, $7)
        ON CONFLICT (event_id) DO UPDATE
        SET status = 'processing',
            attempts = webhook_events.attempts + 1,
            last_attempt_at = EXCLUDED.last_attempt_at,
            error = NULL
        WHERE webhook_events.status = 'failed'
        RETURNING attempts
    `, evt.ID, evt.Type, resourceID, []byte(evt.Payload), evt.Created, evt.Received, now).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := s.Get(ctx, evt.ID)
		if getErr != nil {
			return ClaimResult{}, getErr
		}
		return ClaimResult{Claimed: false, Existing: existing}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim event: %w", err)
	}
	return ClaimResult{Claimed: true, Attempts: attempts}, nil
}

// Complete marks the event's processing as finished with the given result.
// attempts is how many handler attempts this delivery ran; the claim already
// counted the first, so the remainder is folded into the attempt total.
func (s *LedgerStore) Complete(ctx context.Context, eventID, result string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_events
        SET status = 'completed', result = $2, error = NULL, processed_at = $3,
            attempts = attempts + $4
        WHERE event_id = $1
    `, eventID, result, time.Now(), extraAttempts(attempts))
	if err != nil {
		s.logger.Error("Failed to complete ledger record", zap.Error(err), zap.String("event_id", eventID))
		return fmt.Errorf("complete ledger record: %w", err)
	}
	return nil
}

// Fail marks the event's processing as permanently failed for this delivery.
func (s *LedgerStore) Fail(ctx context.Context, eventID, errMsg string, attempts int) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_events
        SET status = 'failed', error = $2, attempts = attempts + $3
        WHERE event_id = $1
    `, eventID, errMsg, extraAttempts(attempts))
	if err != nil {
		s.logger.Error("Failed to fail ledger record", zap.Error(err), zap.String("event_id", eventID))
		return fmt.Errorf("fail ledger record: %w", err)
	}
	return nil
}

func extraAttempts(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

// InFlightEarlier counts events for the same resource that are still
// processing and carry an earlier provider creation timestamp. The ordering
// coordinator polls this until it reaches zero or its wait times out.
func (s *LedgerStore) InFlightEarlier(ctx context.Context, resourceID string, before time.Time, excludeEventID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM webhook_events
        WHERE resource_id = $1 AND status = 'processing'
          AND created_at < $2 AND event_id <> $3
    `, resourceID, before, excludeEventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in-flight earlier events: %w", err)
	}
	return count, nil
}
