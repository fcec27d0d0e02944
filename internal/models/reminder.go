package models

import (
	"fmt"
	"time"
)

// ReminderStatus is the top-level delivery lifecycle of a reminder.
type ReminderStatus string

const (
	ReminderStatusPending   ReminderStatus = "PENDING"
	ReminderStatusSent      ReminderStatus = "SENT"
	ReminderStatusDelivered ReminderStatus = "DELIVERED"
	ReminderStatusFailed    ReminderStatus = "FAILED"
)

// rank orders the non-terminal lifecycle states. FAILED is handled separately.
func (s ReminderStatus) rank() int {
	switch s {
	case ReminderStatusPending:
		return 0
	case ReminderStatusSent:
		return 1
	case ReminderStatusDelivered:
		return 2
	default:
		return -1
	}
}

// Advance returns the status a reminder moves to after a delivery outcome.
// Status never moves backwards and FAILED is terminal.
func (s ReminderStatus) Advance(action DeliveryAction) ReminderStatus {
	if s == ReminderStatusFailed {
		return s
	}
	var next ReminderStatus
	switch action {
	case DeliveryActionSent:
		next = ReminderStatusSent
	case DeliveryActionDelivered:
		next = ReminderStatusDelivered
	case DeliveryActionFailed:
		return ReminderStatusFailed
	default:
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// ConfirmationStatus is the confirmation sub-state of a reminder.
type ConfirmationStatus string

const (
	ConfirmationPending   ConfirmationStatus = "PENDING"
	ConfirmationConfirmed ConfirmationStatus = "CONFIRMED"
	ConfirmationMissed    ConfirmationStatus = "MISSED"
)

// DeliveryAction is the kind of event recorded in a DeliveryLog.
type DeliveryAction string

const (
	DeliveryActionSent      DeliveryAction = "SENT"
	DeliveryActionDelivered DeliveryAction = "DELIVERED"
	DeliveryActionFailed    DeliveryAction = "FAILED"
	DeliveryActionConfirmed DeliveryAction = "CONFIRMED"
	DeliveryActionMissed    DeliveryAction = "MISSED"
)

// IsValidDeliveryAction reports whether a is a known delivery action.
func IsValidDeliveryAction(a DeliveryAction) bool {
	switch a {
	case DeliveryActionSent, DeliveryActionDelivered, DeliveryActionFailed, DeliveryActionConfirmed, DeliveryActionMissed:
		return true
	default:
		return false
	}
}

// Reminder is one scheduled medication or visit notification for a patient.
type Reminder struct {
	ID                   string             `json:"id"`
	PatientID            string             `json:"patient_id"`
	ScheduledTime        string             `json:"scheduled_time"` // HH:MM, local time
	StartDate            time.Time          `json:"start_date"`
	EndDate              *time.Time         `json:"end_date,omitempty"`
	Message              string             `json:"message"`
	Status               ReminderStatus     `json:"status"`
	GatewayMessageID     string             `json:"gateway_message_id,omitempty"`
	SentAt               *time.Time         `json:"sent_at,omitempty"`
	ConfirmationStatus   ConfirmationStatus `json:"confirmation_status"`
	ConfirmationAt       *time.Time         `json:"confirmation_at,omitempty"`
	ConfirmationResponse string             `json:"confirmation_response,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	DeletedAt            *time.Time         `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the reminder was soft-deleted.
func (r *Reminder) IsDeleted() bool {
	return r.DeletedAt != nil
}

// ActiveOn reports whether day (compared by calendar date in day's location) lies within
// the reminder's active date range.
func (r *Reminder) ActiveOn(day time.Time) bool {
	d := truncateDay(day)
	if d.Before(truncateDay(r.StartDate.In(day.Location()))) {
		return false
	}
	if r.EndDate != nil && d.After(truncateDay(r.EndDate.In(day.Location()))) {
		return false
	}
	return true
}

// Validate checks the fields a reminder needs before it can be scheduled.
func (r *Reminder) Validate() error {
	if r.PatientID == "" {
		return NewValidationError("patient_id", "is required")
	}
	if _, err := time.Parse(ScheduledTimeLayout, r.ScheduledTime); err != nil {
		return NewValidationError("scheduled_time", "must be in HH:MM format")
	}
	if r.Message == "" {
		return NewValidationError("message", "is required")
	}
	if len(r.Message) > MaxMessageBodyLength {
		return NewValidationError("message", fmt.Sprintf("exceeds %d characters", MaxMessageBodyLength))
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return NewValidationError("end_date", "is before start_date")
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DeliveryLog is an append-only record of one delivery attempt or outcome.
type DeliveryLog struct {
	ID               string            `json:"id"`
	ReminderID       string            `json:"reminder_id"`
	PatientID        string            `json:"patient_id"`
	Action           DeliveryAction    `json:"action"`
	GatewayMessageID string            `json:"gateway_message_id,omitempty"`
	GatewayResponse  string            `json:"gateway_response,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// ConfirmationSource records who produced a ManualConfirmation.
type ConfirmationSource string

const (
	ConfirmationSourcePatientReply ConfirmationSource = "patient_reply"
	ConfirmationSourceVolunteer    ConfirmationSource = "volunteer"
)

// ManualConfirmation records that a patient did or did not complete an action.
// It is immutable once created.
type ManualConfirmation struct {
	ID            string             `json:"id"`
	PatientID     string             `json:"patient_id"`
	ReminderID    string             `json:"reminder_id,omitempty"`
	DeliveryLogID string             `json:"delivery_log_id,omitempty"`
	Taken         bool               `json:"taken"`
	Notes         string             `json:"notes,omitempty"`
	Source        ConfirmationSource `json:"source"`
	ConfirmedAt   time.Time          `json:"confirmed_at"`
}

// DerivedStatusType is the single canonical status of a reminder computed on read.
type DerivedStatusType string

const (
	DerivedScheduled         DerivedStatusType = "scheduled"
	DerivedPending           DerivedStatusType = "pending"
	DerivedCompletedTaken    DerivedStatusType = "completed_taken"
	DerivedCompletedNotTaken DerivedStatusType = "completed_not_taken"
)

// DerivedStatusSource names the record that decided a DerivedStatus.
type DerivedStatusSource string

const (
	SourceLogConfirmation     DerivedStatusSource = "log_confirmation"
	SourcePatientConfirmation DerivedStatusSource = "patient_confirmation"
	SourceDeliveryLog         DerivedStatusSource = "delivery_log"
	SourceSchedule            DerivedStatusSource = "schedule"
)

// DerivedStatus is the result of deriving a reminder's status from its records.
type DerivedStatus struct {
	ReminderID string              `json:"reminder_id"`
	Status     DerivedStatusType   `json:"status"`
	AsOf       time.Time           `json:"as_of"`
	IDSuffix   string              `json:"id_suffix"`
	Source     DerivedStatusSource `json:"source"`
}

// ReminderConfirmationRequest is the payload for a volunteer's manual confirmation.
type ReminderConfirmationRequest struct {
	PatientID  string `json:"patient_id"`
	ReminderID string `json:"reminder_id,omitempty"`
	Taken      *bool  `json:"taken"`
	Notes      string `json:"notes,omitempty"`
}

// Validate validates a ReminderConfirmationRequest.
func (r *ReminderConfirmationRequest) Validate() error {
	if r.PatientID == "" {
		return NewValidationError("patient_id", "is required")
	}
	if r.Taken == nil {
		return NewValidationError("taken", "is required")
	}
	if len(r.Notes) > MaxNotesLength {
		return NewValidationError("notes", fmt.Sprintf("exceeds %d characters", MaxNotesLength))
	}
	return nil
}
