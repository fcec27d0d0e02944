// Package reminder tracks the delivery and confirmation lifecycle of reminders.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Repository is the storage the Tracker reads and writes. Append methods run their mutate
// callback and the insert inside one transaction.
type Repository interface {
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	GetReminderByGatewayID(ctx context.Context, gatewayMessageID string) (*models.Reminder, error)
	ListDeliveryLogs(ctx context.Context, reminderID string) ([]models.DeliveryLog, error)
	// ListConfirmations returns confirmations for reminderID plus those tied only to patientID.
	ListConfirmations(ctx context.Context, patientID, reminderID string) ([]models.ManualConfirmation, error)
	// AppendDeliveryLog reports duplicate=true without writing when a log with the same
	// reminder, gateway message id and action already exists.
	AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLog, mutate func(r *models.Reminder)) (duplicate bool, err error)
	// AppendConfirmation passes the reminder and its latest log (nil when none) to mutate when
	// c.ReminderID is set. A mutate error aborts the transaction.
	AppendConfirmation(ctx context.Context, c *models.ManualConfirmation, mutate func(r *models.Reminder, latest *models.DeliveryLog) error) error
}

// Opts holds configuration for a Tracker.
type Opts struct {
	Now func() time.Time
}

// Option configures a Tracker.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Tracker records delivery outcomes and confirmations and derives reminder status.
type Tracker struct {
	repo Repository
	now  func() time.Time
}

// NewTracker creates a Tracker backed by repo.
func NewTracker(repo Repository, opts ...Option) *Tracker {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Tracker{repo: repo, now: o.Now}
}

// DeliveryResult describes the outcome of RecordDelivery.
type DeliveryResult struct {
	Log       models.DeliveryLog    `json:"log"`
	Status    models.ReminderStatus `json:"status"`
	Duplicate bool                  `json:"duplicate"`
}

// RecordDelivery appends a delivery log for reminderID and advances the reminder's status.
// Calling it again with the same gateway message id and outcome is a no-op.
func (t *Tracker) RecordDelivery(ctx context.Context, reminderID string, outcome models.DeliveryAction, gatewayMessageID, gatewayResponse string, metadata map[string]string) (DeliveryResult, error) {
	switch outcome {
	case models.DeliveryActionSent, models.DeliveryActionDelivered, models.DeliveryActionFailed:
	default:
		return DeliveryResult{}, models.NewValidationError("outcome", fmt.Sprintf("unsupported delivery outcome %q", outcome))
	}
	if reminderID == "" {
		return DeliveryResult{}, models.NewValidationError("reminder_id", "is required")
	}

	now := t.now()
	entry := models.DeliveryLog{
		ID:               util.NewID(util.PrefixDeliveryLog),
		ReminderID:       reminderID,
		Action:           outcome,
		GatewayMessageID: gatewayMessageID,
		GatewayResponse:  gatewayResponse,
		Metadata:         metadata,
		CreatedAt:        now,
	}

	var status models.ReminderStatus
	duplicate, err := t.repo.AppendDeliveryLog(ctx, &entry, func(r *models.Reminder) {
		entry.PatientID = r.PatientID
		r.Status = r.Status.Advance(outcome)
		if gatewayMessageID != "" && (r.GatewayMessageID == "" || outcome == models.DeliveryActionSent) {
			r.GatewayMessageID = gatewayMessageID
		}
		if outcome == models.DeliveryActionSent && r.SentAt == nil {
			sentAt := now
			r.SentAt = &sentAt
		}
		r.UpdatedAt = now
		status = r.Status
	})
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to record delivery for reminder %s: %w", reminderID, err)
	}
	if duplicate {
		slog.Debug("Tracker.RecordDelivery: duplicate delivery ignored", "reminderID", reminderID, "gatewayMessageID", gatewayMessageID, "outcome", outcome)
		return DeliveryResult{Duplicate: true}, nil
	}

	slog.Info("Tracker.RecordDelivery: delivery recorded", "reminderID", reminderID, "outcome", outcome, "status", status, "logID", entry.ID)
	return DeliveryResult{Log: entry, Status: status}, nil
}

// RecordDeliveryByGatewayID resolves the reminder by its gateway message id and records the outcome.
func (t *Tracker) RecordDeliveryByGatewayID(ctx context.Context, gatewayMessageID string, outcome models.DeliveryAction, gatewayResponse string, metadata map[string]string) (DeliveryResult, error) {
	if gatewayMessageID == "" {
		return DeliveryResult{}, models.NewValidationError("gateway_message_id", "is required")
	}
	r, err := t.repo.GetReminderByGatewayID(ctx, gatewayMessageID)
	if err != nil {
		return DeliveryResult{}, fmt.Errorf("failed to resolve gateway message %s: %w", gatewayMessageID, err)
	}
	return t.RecordDelivery(ctx, r.ID, outcome, gatewayMessageID, gatewayResponse, metadata)
}

// RecordConfirmation appends a confirmation for patientID. When reminderID is set it must
// belong to the patient; the confirmation is then linked to the reminder's latest delivery log
// and the reminder's confirmation status is updated.
func (t *Tracker) RecordConfirmation(ctx context.Context, patientID, reminderID string, taken bool, notes string, source models.ConfirmationSource) (*models.ManualConfirmation, error) {
	if patientID == "" {
		return nil, models.NewValidationError("patient_id", "is required")
	}
	if len(notes) > models.MaxNotesLength {
		return nil, models.NewValidationError("notes", fmt.Sprintf("exceeds %d characters", models.MaxNotesLength))
	}
	if source == "" {
		source = models.ConfirmationSourceVolunteer
	}

	now := t.now()
	c := &models.ManualConfirmation{
		ID:          util.NewID(util.PrefixConfirmation),
		PatientID:   patientID,
		ReminderID:  reminderID,
		Taken:       taken,
		Notes:       notes,
		Source:      source,
		ConfirmedAt: now,
	}

	var mutate func(*models.Reminder, *models.DeliveryLog) error
	if reminderID != "" {
		mutate = func(r *models.Reminder, latest *models.DeliveryLog) error {
			if r.PatientID != patientID {
				return models.NewValidationError("reminder_id", "does not belong to patient")
			}
			if latest != nil {
				c.DeliveryLogID = latest.ID
			}
			r.ConfirmationStatus = models.ConfirmationMissed
			if taken {
				r.ConfirmationStatus = models.ConfirmationConfirmed
			}
			confirmedAt := now
			r.ConfirmationAt = &confirmedAt
			r.ConfirmationResponse = notes
			r.UpdatedAt = now
			return nil
		}
	}

	if err := t.repo.AppendConfirmation(ctx, c, mutate); err != nil {
		if errors.Is(err, models.ErrReminderNotFound) {
			return nil, models.NewValidationError("reminder_id", "does not exist")
		}
		return nil, fmt.Errorf("failed to record confirmation for patient %s: %w", patientID, err)
	}

	slog.Info("Tracker.RecordConfirmation: confirmation recorded", "patientID", patientID, "reminderID", reminderID, "taken", taken, "source", source, "deliveryLogID", c.DeliveryLogID)
	return c, nil
}

// Status loads a reminder's records and derives its status.
func (t *Tracker) Status(ctx context.Context, reminderID string) (models.DerivedStatus, error) {
	r, err := t.repo.GetReminder(ctx, reminderID)
	if err != nil {
		return models.DerivedStatus{}, fmt.Errorf("failed to load reminder %s: %w", reminderID, err)
	}
	logs, err := t.repo.ListDeliveryLogs(ctx, reminderID)
	if err != nil {
		return models.DerivedStatus{}, fmt.Errorf("failed to list delivery logs for reminder %s: %w", reminderID, err)
	}
	confs, err := t.repo.ListConfirmations(ctx, r.PatientID, reminderID)
	if err != nil {
		return models.DerivedStatus{}, fmt.Errorf("failed to list confirmations for reminder %s: %w", reminderID, err)
	}
	return DeriveStatus(*r, logs, confs), nil
}
