package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// OutboxSendFunc performs the actual send of a queued message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state. Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to recover stale outbox messages: %w", err)
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *OutboxSender) poll(ctx context.Context) {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.poll: sending message", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.poll: send failed", "id", msg.ID, "attempts", msg.Attempts+1, "error", err)
			// 10s, 20s, 40s, ...
			nextAttempt := now.Add(time.Duration(10*(1<<msg.Attempts)) * time.Second)
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("OutboxSender.poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.poll: mark sent error", "id", msg.ID, "error", err)
		}
		slog.Debug("OutboxSender.poll: message sent", "id", msg.ID, "recipient", msg.Recipient)
	}
}
