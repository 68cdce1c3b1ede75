package store

import (
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	ResultSuccess   = "success"
	ResultNoHandler = "no_handler"
)

// LedgerRecord is the persisted processing state for one provider event.
// At most one record exists per event id; the atomic claim upsert is what
// keeps concurrent deliveries of the same id from both running a handler.
type LedgerRecord struct {
	EventID       string
	EventType     string
	ResourceID    *string
	Payload       []byte
	Status        Status
	Attempts      int
	Result        *string
	Error         *string
	CreatedAt     time.Time
	ReceivedAt    time.Time
	LastAttemptAt time.Time
	ProcessedAt   *time.Time
}

// DeadLetter quarantines an event that exhausted its retry budget. Entries
// are never deleted; a successful reprocessing run only sets ReprocessedAt.
type DeadLetter struct {
	ID            int64
	EventID       string
	EventType     string
	Payload       []byte
	Error         string
	CreatedAt     time.Time
	ReprocessedAt *time.Time
}

// ClaimResult reports whether this delivery won the processing claim. When
// Claimed is false, Existing holds the ledger record that blocked the claim
// (completed, or another delivery still processing).
type ClaimResult struct {
	Claimed  bool
	Attempts int
	Existing *LedgerRecord
}
