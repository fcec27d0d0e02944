package models

import "time"

// ContextKind identifies what a patient's next reply is expected to answer.
type ContextKind string

const (
	ContextVerification         ContextKind = "verification"
	ContextReminderConfirmation ContextKind = "reminder_confirmation"
	ContextGeneralInquiry       ContextKind = "general_inquiry"
)

// IsValidContextKind reports whether k is a known context kind.
func IsValidContextKind(k ContextKind) bool {
	switch k {
	case ContextVerification, ContextReminderConfirmation, ContextGeneralInquiry:
		return true
	default:
		return false
	}
}

// ResponseShape is the shape of reply a context expects.
type ResponseShape string

const (
	ShapeYesNo    ResponseShape = "yes_no"
	ShapeFreeText ResponseShape = "free_text"
)

// ConversationContext is short-lived per-patient state recording what kind of reply is expected.
type ConversationContext struct {
	ID              string        `json:"id"`
	PatientID       string        `json:"patient_id"`
	Kind            ContextKind   `json:"kind"`
	ExpectedShape   ResponseShape `json:"expected_shape"`
	RelatedEntityID string        `json:"related_entity_id,omitempty"`
	Attempts        int           `json:"attempts"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	DeletedAt       *time.Time    `json:"deleted_at,omitempty"`
}

// ActiveAt reports whether the context is neither soft-deleted nor expired at now.
func (c *ConversationContext) ActiveAt(now time.Time) bool {
	return c.DeletedAt == nil && now.Before(c.ExpiresAt)
}

// EscalationPriority orders operator escalations.
type EscalationPriority string

const (
	PriorityUrgent EscalationPriority = "urgent"
	PriorityNormal EscalationPriority = "normal"
)

// Escalation is a message forwarded to the human operator channel.
type Escalation struct {
	ID          string             `json:"id"`
	PatientID   string             `json:"patient_id"`
	PatientName string             `json:"patient_name,omitempty"`
	Phone       string             `json:"phone"`
	Text        string             `json:"text"`
	Intent      string             `json:"intent"`
	Confidence  float64            `json:"confidence"`
	Priority    EscalationPriority `json:"priority"`
	ContextKind ContextKind        `json:"context_kind,omitempty"`
	OccurredAt  time.Time          `json:"occurred_at"`
}
