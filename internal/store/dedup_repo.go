package store

import (
	"context"
	"time"
)

// DedupRecord is one inbound message idempotency record.
type DedupRecord struct {
	MessageID     string     `json:"message_id"`
	ParticipantID string     `json:"participant_id"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate checks if a message key has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, participantID string, receivedAt time.Time) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PurgeInboundBefore deletes records received before cutoff.
	PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
