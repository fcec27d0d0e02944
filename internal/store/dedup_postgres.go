package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *PostgresStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, participantID string, receivedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
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

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM inbound_dedup WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
