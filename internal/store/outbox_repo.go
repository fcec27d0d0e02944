package store

import (
	"context"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// DefaultOutboxMaxAttempts is the number of failed sends before a message is marked failed.
const DefaultOutboxMaxAttempts = 8

// OutboxMessage is a durable outgoing message whose synchronous send failed.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbox message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. If dedupeKey is non-empty
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)

	MarkOutboxMessageSent(ctx context.Context, id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt,
	// or marks the message failed once DefaultOutboxMaxAttempts is reached.
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before staleBefore.
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
}
