package store

import (
	"time"
)

// DedupRecord remembers an inbound request key, such as the Idempotency-Key
// of a reply submission.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound request deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a key has already been recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound claims a key. Returns false if the key was already
	// recorded (duplicate).
	RecordInbound(messageID, userID string) (bool, error)

	// IsProcessed reports whether a recorded key has been marked processed.
	IsProcessed(messageID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a key.
	MarkProcessed(messageID string) error

	// ReleaseInbound forgets a key whose request failed so it can be retried.
	ReleaseInbound(messageID string) error
}
