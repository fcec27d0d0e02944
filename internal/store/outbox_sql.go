package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/util"
)

func (c *sqlCore) EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	id := util.NewID("outbox_")
	now := time.Now().UTC()

	if dedupeKey != "" {
		var existingID string
		err := c.db.QueryRowContext(ctx,
			c.q(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled', 'failed')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(c.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	_, err := c.db.ExecContext(ctx,
		c.q(`INSERT INTO outbox_messages (id, recipient, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, recipient, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(c.name+".EnqueueOutboxMessage", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

func (c *sqlCore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	if c.dialect == DSNTypePostgres {
		rows, err := c.db.QueryContext(ctx,
			`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			   ORDER BY created_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+outboxColumns,
			now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		defer rows.Close()
		return collectOutbox(rows)
	}

	var msgs []OutboxMessage
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+outboxColumns+` FROM outbox_messages
			 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			 ORDER BY created_at ASC LIMIT ?`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		msgs, err = collectOutbox(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for i := range msgs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, msgs[i].ID,
			); err != nil {
				return fmt.Errorf("mark outbox sending failed: %w", err)
			}
			msgs[i].Status = OutboxStatusSending
			lockedAt := now
			msgs[i].LockedAt = &lockedAt
		}
		return nil
	})
	return msgs, err
}

func collectOutbox(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (c *sqlCore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (c *sqlCore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE outbox_messages
		 SET status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
		     attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`),
		DefaultOutboxMaxAttempts, errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (c *sqlCore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := c.db.ExecContext(ctx,
		c.q(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(c.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
