package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrCircuitOpen is returned when a send is rejected by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrReminderNotFound is returned when a reminder id or gateway id does not resolve.
	ErrReminderNotFound = errors.New("reminder not found")
	// ErrPatientNotFound is returned when a patient id does not resolve.
	ErrPatientNotFound = errors.New("patient not found")
	// ErrContextNotFound is returned when a conversation context id does not resolve.
	ErrContextNotFound = errors.New("conversation context not found")
	// ErrDuplicateMessage matches every *DuplicateMessageError.
	ErrDuplicateMessage = errors.New("duplicate message")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// DuplicateMessageError reports an inbound message that was already processed.
type DuplicateMessageError struct {
	Key string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("duplicate message %s", e.Key)
}

// Is lets errors.Is(err, ErrDuplicateMessage) match.
func (e *DuplicateMessageError) Is(target error) bool {
	return target == ErrDuplicateMessage
}

// UnknownSenderError reports an inbound message from a phone with no patient record.
type UnknownSenderError struct {
	Phone string
}

func (e *UnknownSenderError) Error() string {
	return fmt.Sprintf("unknown sender %s", e.Phone)
}

// GatewayTransientError is a gateway failure worth retrying: timeouts, network errors, 5xx and 429.
type GatewayTransientError struct {
	Gateway    string
	StatusCode int
	Err        error
}

func (e *GatewayTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s transient error (status %d): %v", e.Gateway, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transient error: %v", e.Gateway, e.Err)
}

func (e *GatewayTransientError) Unwrap() error { return e.Err }

// GatewayPermanentError is a gateway failure that retrying cannot fix, such as a 4xx response.
type GatewayPermanentError struct {
	Gateway    string
	StatusCode int
	Err        error
}

func (e *GatewayPermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s permanent error (status %d): %v", e.Gateway, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s permanent error: %v", e.Gateway, e.Err)
}

func (e *GatewayPermanentError) Unwrap() error { return e.Err }

// SignatureError reports a webhook whose signature is missing or does not verify.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "invalid webhook signature: " + e.Reason
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *GatewayTransientError
	return errors.As(err, &te)
}
