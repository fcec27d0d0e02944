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

func (c *sqlCore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.NewID("job_")
	now := time.Now().UTC()

	if dedupeKey != "" {
		// A finished job also blocks its key: a reminder is sent at most once per day.
		var existingID string
		err := c.db.QueryRowContext(ctx,
			c.q(`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running', 'done')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(c.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := c.db.ExecContext(ctx,
		c.q(`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`),
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(c.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (c *sqlCore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if c.dialect == DSNTypePostgres {
		rows, err := c.db.QueryContext(ctx,
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			   ORDER BY run_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		defer rows.Close()
		return collectJobs(rows)
	}

	var jobs []Job
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			now, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		jobs, err = collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for i := range jobs {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
				now, now, jobs[i].ID,
			); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := now
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	return jobs, err
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

func (c *sqlCore) CompleteJob(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (c *sqlCore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := time.Now().UTC()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		var attempt, maxAttempts int
		err := tx.QueryRowContext(ctx, c.q(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`+c.forUpdate()), id).Scan(&attempt, &maxAttempts)
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = tx.ExecContext(ctx,
				c.q(`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
				attempt, errMsg, now, id,
			)
			slog.Warn(c.name+".FailJob: job exhausted its attempts", "id", id, "attempt", attempt, "error", errMsg)
		} else {
			_, err = tx.ExecContext(ctx,
				c.q(`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
				attempt, errMsg, nextRunAt.UTC(), now, id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (c *sqlCore) CancelJob(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (c *sqlCore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := c.db.ExecContext(ctx,
		c.q(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`),
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(c.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (c *sqlCore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(c.db.QueryRowContext(ctx, c.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
