package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *SQLiteStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, participantID string, receivedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)`,
		messageID, participantID, receivedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
