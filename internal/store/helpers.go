package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilTime returns nil for a nil time pointer, otherwise the UTC time.
func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	j.LockedAt = timePtr(lockedAt)
	return j, nil
}

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	return m, nil
}

const patientColumns = `id, name, phone_number, verification_status, verified_at, created_at, updated_at, deleted_at`

func scanPatient(row rowScanner) (*models.Patient, error) {
	var p models.Patient
	var verifiedAt, deletedAt sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.PhoneNumber, &p.VerificationStatus, &verifiedAt, &p.CreatedAt, &p.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	p.VerifiedAt = timePtr(verifiedAt)
	p.DeletedAt = timePtr(deletedAt)
	return &p, nil
}

const reminderColumns = `id, patient_id, scheduled_time, start_date, end_date, message, status, gateway_message_id, sent_at,
	confirmation_status, confirmation_at, confirmation_response, created_at, updated_at, deleted_at`

func scanReminder(row rowScanner) (*models.Reminder, error) {
	var r models.Reminder
	var endDate, sentAt, confirmationAt, deletedAt sql.NullTime
	var gatewayID, confirmationResponse sql.NullString
	err := row.Scan(
		&r.ID, &r.PatientID, &r.ScheduledTime, &r.StartDate, &endDate, &r.Message, &r.Status, &gatewayID, &sentAt,
		&r.ConfirmationStatus, &confirmationAt, &confirmationResponse, &r.CreatedAt, &r.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.EndDate = timePtr(endDate)
	r.SentAt = timePtr(sentAt)
	r.ConfirmationAt = timePtr(confirmationAt)
	r.DeletedAt = timePtr(deletedAt)
	r.GatewayMessageID = gatewayID.String
	r.ConfirmationResponse = confirmationResponse.String
	return &r, nil
}

const deliveryLogColumns = `id, reminder_id, patient_id, action, gateway_message_id, gateway_response, metadata, created_at`

func scanDeliveryLog(row rowScanner) (models.DeliveryLog, error) {
	var l models.DeliveryLog
	var gatewayID, gatewayResponse, metadata sql.NullString
	if err := row.Scan(&l.ID, &l.ReminderID, &l.PatientID, &l.Action, &gatewayID, &gatewayResponse, &metadata, &l.CreatedAt); err != nil {
		return l, err
	}
	l.GatewayMessageID = gatewayID.String
	l.GatewayResponse = gatewayResponse.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
			return l, fmt.Errorf("failed to unmarshal metadata for delivery log %s: %w", l.ID, err)
		}
	}
	return l, nil
}

const confirmationColumns = `id, patient_id, reminder_id, delivery_log_id, taken, notes, source, confirmed_at`

func scanConfirmation(row rowScanner) (models.ManualConfirmation, error) {
	var c models.ManualConfirmation
	var reminderID, logID, notes sql.NullString
	if err := row.Scan(&c.ID, &c.PatientID, &reminderID, &logID, &c.Taken, &notes, &c.Source, &c.ConfirmedAt); err != nil {
		return c, err
	}
	c.ReminderID = reminderID.String
	c.DeliveryLogID = logID.String
	c.Notes = notes.String
	return c, nil
}

const contextColumns = `id, patient_id, kind, expected_shape, related_entity_id, attempts, created_at, expires_at, deleted_at`

func scanContext(row rowScanner) (*models.ConversationContext, error) {
	var c models.ConversationContext
	var related sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.PatientID, &c.Kind, &c.ExpectedShape, &related, &c.Attempts, &c.CreatedAt, &c.ExpiresAt, &deletedAt); err != nil {
		return nil, err
	}
	c.RelatedEntityID = related.String
	c.DeletedAt = timePtr(deletedAt)
	return &c, nil
}
