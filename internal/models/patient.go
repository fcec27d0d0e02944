package models

import "time"

// VerificationStatus records whether a patient agreed to receive reminders.
type VerificationStatus string

const (
	VerificationPending      VerificationStatus = "PENDING"
	VerificationVerified     VerificationStatus = "VERIFIED"
	VerificationDeclined     VerificationStatus = "DECLINED"
	VerificationUnsubscribed VerificationStatus = "UNSUBSCRIBED"
)

// Patient is the subset of the patient record the reminder engine reads and writes.
type Patient struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	PhoneNumber        string             `json:"phone_number"` // canonical digits only
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	DeletedAt          *time.Time         `json:"deleted_at,omitempty"`
}

// CanReceiveReminders reports whether reminders may be sent to the patient.
func (p *Patient) CanReceiveReminders() bool {
	return p.DeletedAt == nil && p.VerificationStatus == VerificationVerified
}
