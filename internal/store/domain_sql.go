package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// --- Patients ---

func (c *sqlCore) UpsertPatient(ctx context.Context, p *models.Patient) error {
	phone, err := util.CanonicalPhone(p.PhoneNumber)
	if err != nil {
		return models.NewValidationError("phone_number", err.Error())
	}
	p.PhoneNumber = phone
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = util.NewID(util.PrefixPatient)
	}
	if p.VerificationStatus == "" {
		p.VerificationStatus = models.VerificationPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = c.db.ExecContext(ctx, c.q(`INSERT INTO patients (`+patientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, phone_number = excluded.phone_number,
		verification_status = excluded.verification_status, verified_at = excluded.verified_at,
		updated_at = excluded.updated_at, deleted_at = excluded.deleted_at`),
		p.ID, p.Name, p.PhoneNumber, p.VerificationStatus, nilIfNilTime(p.VerifiedAt), p.CreatedAt.UTC(), p.UpdatedAt, nilIfNilTime(p.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert patient %s failed: %w", p.ID, err)
	}
	return nil
}

func (c *sqlCore) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	p, err := scanPatient(c.db.QueryRowContext(ctx, c.q(`SELECT `+patientColumns+` FROM patients WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrPatientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient failed: %w", err)
	}
	return p, nil
}

func (c *sqlCore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	canonical, err := util.CanonicalPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("phone %q: %w", phone, models.ErrPatientNotFound)
	}
	p, err := scanPatient(c.db.QueryRowContext(ctx,
		c.q(`SELECT `+patientColumns+` FROM patients WHERE phone_number = ? AND deleted_at IS NULL`), canonical))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("phone %s: %w", canonical, models.ErrPatientNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient by phone failed: %w", err)
	}
	return p, nil
}

func (c *sqlCore) UpdateVerificationStatus(ctx context.Context, patientID string, status models.VerificationStatus, at time.Time) error {
	var verifiedAt interface{}
	if status == models.VerificationVerified {
		verifiedAt = at.UTC()
	}
	result, err := c.db.ExecContext(ctx,
		c.q(`UPDATE patients SET verification_status = ?, verified_at = COALESCE(?, verified_at), updated_at = ?
		 WHERE id = ? AND deleted_at IS NULL`),
		status, verifiedAt, at.UTC(), patientID,
	)
	if err != nil {
		return fmt.Errorf("update verification status failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("patient %s: %w", patientID, models.ErrPatientNotFound)
	}
	slog.Info(c.name+".UpdateVerificationStatus", "patientID", patientID, "status", status)
	return nil
}

// --- Reminders ---

func (c *sqlCore) CreateReminder(ctx context.Context, r *models.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = util.NewID(util.PrefixReminder)
	}
	if r.Status == "" {
		r.Status = models.ReminderStatusPending
	}
	if r.ConfirmationStatus == "" {
		r.ConfirmationStatus = models.ConfirmationPending
	}
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := c.db.ExecContext(ctx, c.q(`INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.PatientID, r.ScheduledTime, r.StartDate.UTC(), nilIfNilTime(r.EndDate), r.Message, r.Status,
		nilIfEmpty(r.GatewayMessageID), nilIfNilTime(r.SentAt), r.ConfirmationStatus, nilIfNilTime(r.ConfirmationAt),
		nilIfEmpty(r.ConfirmationResponse), r.CreatedAt, r.UpdatedAt, nilIfNilTime(r.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("create reminder failed: %w", err)
	}
	slog.Debug(c.name+".CreateReminder", "id", r.ID, "patientID", r.PatientID, "scheduledTime", r.ScheduledTime)
	return nil
}

func (c *sqlCore) GetReminder(ctx context.Context, id string) (*models.Reminder, error) {
	r, err := scanReminder(c.db.QueryRowContext(ctx, c.q(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, models.ErrReminderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder failed: %w", err)
	}
	return r, nil
}

func (c *sqlCore) GetReminderByGatewayID(ctx context.Context, gatewayMessageID string) (*models.Reminder, error) {
	r, err := scanReminder(c.db.QueryRowContext(ctx, c.q(`SELECT `+reminderColumns+` FROM reminders
		WHERE gateway_message_id = ? OR id IN (SELECT reminder_id FROM delivery_logs WHERE gateway_message_id = ?)
		ORDER BY updated_at DESC LIMIT 1`), gatewayMessageID, gatewayMessageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gateway message %s: %w", gatewayMessageID, models.ErrReminderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder by gateway id failed: %w", err)
	}
	return r, nil
}

func (c *sqlCore) ListRemindersAt(ctx context.Context, hhmm string, day time.Time) ([]models.Reminder, error) {
	rows, err := c.db.QueryContext(ctx,
		c.q(`SELECT `+reminderColumns+` FROM reminders WHERE scheduled_time = ? AND deleted_at IS NULL ORDER BY id`), hhmm)
	if err != nil {
		return nil, fmt.Errorf("list reminders failed: %w", err)
	}
	defer rows.Close()

	var out []models.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder failed: %w", err)
		}
		if r.ActiveOn(day) {
			out = append(out, *r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reminder iteration failed: %w", err)
	}
	return out, nil
}

func (c *sqlCore) SoftDeleteReminder(ctx context.Context, id string, at time.Time) error {
	result, err := c.db.ExecContext(ctx,
		c.q(`UPDATE reminders SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`), at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete reminder failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("reminder %s: %w", id, models.ErrReminderNotFound)
	}
	return nil
}

func (c *sqlCore) ListDeliveryLogs(ctx context.Context, reminderID string) ([]models.DeliveryLog, error) {
	rows, err := c.db.QueryContext(ctx,
		c.q(`SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE reminder_id = ? ORDER BY created_at DESC, id DESC`), reminderID)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs failed: %w", err)
	}
	defer rows.Close()

	var logs []models.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log failed: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery log iteration failed: %w", err)
	}
	return logs, nil
}

func (c *sqlCore) ListConfirmations(ctx context.Context, patientID, reminderID string) ([]models.ManualConfirmation, error) {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT `+confirmationColumns+` FROM manual_confirmations
		WHERE reminder_id = ? OR (patient_id = ? AND reminder_id IS NULL)
		ORDER BY confirmed_at DESC, id DESC`), reminderID, patientID)
	if err != nil {
		return nil, fmt.Errorf("list confirmations failed: %w", err)
	}
	defer rows.Close()

	var out []models.ManualConfirmation
	for rows.Next() {
		mc, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan confirmation failed: %w", err)
		}
		out = append(out, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("confirmation iteration failed: %w", err)
	}
	return out, nil
}

func (c *sqlCore) lockReminder(ctx context.Context, tx *sql.Tx, id string) (*models.Reminder, error) {
	r, err := scanReminder(tx.QueryRowContext(ctx, c.q(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`+c.forUpdate()), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, models.ErrReminderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load reminder failed: %w", err)
	}
	return r, nil
}

func (c *sqlCore) updateReminder(ctx context.Context, tx *sql.Tx, r *models.Reminder) error {
	_, err := tx.ExecContext(ctx, c.q(`UPDATE reminders SET status = ?, gateway_message_id = ?, sent_at = ?,
		confirmation_status = ?, confirmation_at = ?, confirmation_response = ?, updated_at = ? WHERE id = ?`),
		r.Status, nilIfEmpty(r.GatewayMessageID), nilIfNilTime(r.SentAt), r.ConfirmationStatus,
		nilIfNilTime(r.ConfirmationAt), nilIfEmpty(r.ConfirmationResponse), r.UpdatedAt.UTC(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reminder %s failed: %w", r.ID, err)
	}
	return nil
}

func (c *sqlCore) AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLog, mutate func(r *models.Reminder)) (bool, error) {
	duplicate := false
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		r, err := c.lockReminder(ctx, tx, entry.ReminderID)
		if err != nil {
			return err
		}

		if entry.GatewayMessageID != "" {
			var existing string
			err := tx.QueryRowContext(ctx,
				c.q(`SELECT id FROM delivery_logs WHERE reminder_id = ? AND gateway_message_id = ? AND action = ?`),
				entry.ReminderID, entry.GatewayMessageID, entry.Action,
			).Scan(&existing)
			if err == nil {
				duplicate = true
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("delivery log dedupe check failed: %w", err)
			}
		}

		if mutate != nil {
			mutate(r)
		}
		if entry.PatientID == "" {
			entry.PatientID = r.PatientID
		}
		if err := c.updateReminder(ctx, tx, r); err != nil {
			return err
		}

		metadata, err := marshalMetadata(entry.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, c.q(`INSERT INTO delivery_logs (`+deliveryLogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			entry.ID, entry.ReminderID, entry.PatientID, entry.Action, nilIfEmpty(entry.GatewayMessageID),
			nilIfEmpty(entry.GatewayResponse), metadata, entry.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert delivery log failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return duplicate, nil
}

func (c *sqlCore) AppendConfirmation(ctx context.Context, mc *models.ManualConfirmation, mutate func(r *models.Reminder, latest *models.DeliveryLog) error) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if mc.ReminderID != "" {
			r, err := c.lockReminder(ctx, tx, mc.ReminderID)
			if err != nil {
				return err
			}
			var latest *models.DeliveryLog
			l, err := scanDeliveryLog(tx.QueryRowContext(ctx, c.q(`SELECT `+deliveryLogColumns+` FROM delivery_logs
				WHERE reminder_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), mc.ReminderID))
			switch {
			case err == nil:
				latest = &l
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("load latest delivery log failed: %w", err)
			}
			if mutate != nil {
				if err := mutate(r, latest); err != nil {
					return err
				}
				if err := c.updateReminder(ctx, tx, r); err != nil {
					return err
				}
			}
		}

		_, err := tx.ExecContext(ctx, c.q(`INSERT INTO manual_confirmations (`+confirmationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			mc.ID, mc.PatientID, nilIfEmpty(mc.ReminderID), nilIfEmpty(mc.DeliveryLogID), mc.Taken,
			nilIfEmpty(mc.Notes), mc.Source, mc.ConfirmedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert confirmation failed: %w", err)
		}
		return nil
	})
}

// --- Conversation contexts ---

func (c *sqlCore) ReplaceContext(ctx context.Context, cc *models.ConversationContext, now time.Time) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			c.q(`UPDATE conversation_contexts SET deleted_at = ? WHERE patient_id = ? AND deleted_at IS NULL`),
			now.UTC(), cc.PatientID,
		); err != nil {
			return fmt.Errorf("retire contexts failed: %w", err)
		}
		_, err := tx.ExecContext(ctx, c.q(`INSERT INTO conversation_contexts (`+contextColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			cc.ID, cc.PatientID, cc.Kind, cc.ExpectedShape, nilIfEmpty(cc.RelatedEntityID), cc.Attempts,
			cc.CreatedAt.UTC(), cc.ExpiresAt.UTC(), nilIfNilTime(cc.DeletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert context failed: %w", err)
		}
		return nil
	})
}

func (c *sqlCore) GetLatestContext(ctx context.Context, patientID string) (*models.ConversationContext, error) {
	cc, err := scanContext(c.db.QueryRowContext(ctx, c.q(`SELECT `+contextColumns+` FROM conversation_contexts
		WHERE patient_id = ? AND deleted_at IS NULL ORDER BY created_at DESC, id DESC LIMIT 1`), patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context failed: %w", err)
	}
	return cc, nil
}

func (c *sqlCore) IncrementContextAttempt(ctx context.Context, contextID string) (int, error) {
	var attempts int
	err := c.db.QueryRowContext(ctx,
		c.q(`UPDATE conversation_contexts SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`), contextID,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("context %s: %w", contextID, models.ErrContextNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment context attempt failed: %w", err)
	}
	return attempts, nil
}

func (c *sqlCore) SoftDeleteContexts(ctx context.Context, patientID string, now time.Time) error {
	_, err := c.db.ExecContext(ctx,
		c.q(`UPDATE conversation_contexts SET deleted_at = ? WHERE patient_id = ? AND deleted_at IS NULL`), now.UTC(), patientID)
	if err != nil {
		return fmt.Errorf("clear contexts failed: %w", err)
	}
	return nil
}

func (c *sqlCore) DeleteContextsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoff = cutoff.UTC()
	result, err := c.db.ExecContext(ctx, c.q(`DELETE FROM conversation_contexts
		WHERE expires_at < ? OR (deleted_at IS NOT NULL AND deleted_at < ?)`), cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete contexts failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
