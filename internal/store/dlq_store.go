package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpromedia/payhook/internal/event"
	"github.com/artpromedia/payhook/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// DeadLetterStore quarantines events that exhausted their retry budget.
type DeadLetterStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewDeadLetterStore(db *sql.DB, logger *log.Logger) *DeadLetterStore {
	return &DeadLetterStore{db: db, logger: logger}
}

// Insert records a dead letter for the event. One pending entry exists per
// event id: if the event dead-letters again before anyone reprocesses it,
// the pending entry's error is refreshed instead of piling up duplicates.
// Reprocessed entries stay behind as the audit trail.
func (s *DeadLetterStore) Insert(ctx context.Context, evt event.Event, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO webhook_dead_letters (event_id, event_type, payload, error, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (event_id) WHERE reprocessed_at IS NULL
        DO UPDATE SET error = EXCLUDED.error
    `, evt.ID, evt.Type, []byte(evt.Payload), errMsg, time.Now())
	if err != nil {
		s.logger.Error("Failed to insert dead letter", zap.Error(err), zap.String("event_id", evt.ID))
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// Pending returns un-reprocessed entries oldest-first, bounded by limit.
func (s *DeadLetterStore) Pending(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, event_id, event_type, payload, error, created_at, reprocessed_at
        FROM webhook_dead_letters
        WHERE reprocessed_at IS NULL
        ORDER BY created_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending dead letters: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetter
	for rows.Next() {
		var entry DeadLetter
		if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Payload,
			&entry.Error, &entry.CreatedAt, &entry.ReprocessedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkReprocessed stamps the entry after a reprocessing run succeeded.
func (s *DeadLetterStore) MarkReprocessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE webhook_dead_letters SET reprocessed_at = $2 WHERE id = $1 AND reprocessed_at IS NULL
    `, id, time.Now())
	if err != nil {
		return fmt.Errorf("mark dead letter reprocessed: %w", err)
	}
	return nil
}
