// Package models defines the core data structures for CarePipe.
//
// It includes the reminder, delivery, confirmation and conversation types shared across
// modules, the inbound message envelope, and the JSON envelope used by the HTTP API.
package models

import (
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for an outbound message body
	MaxMessageBodyLength = 4096
	// MaxNotesLength defines the maximum allowed length for confirmation notes
	MaxNotesLength = 1000
	// ScheduledTimeLayout is the layout of Reminder.ScheduledTime
	ScheduledTimeLayout = "15:04"
	// DateLayout is the layout used for reminder date ranges and job dedupe keys
	DateLayout = "2006-01-02"
)

// MessageStatus represents a delivery status reported by a chat gateway.
type MessageStatus string

const (
	// MessageStatusQueued indicates the gateway accepted the message for sending.
	MessageStatusQueued MessageStatus = "queued"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusUndelivered indicates the gateway gave up delivering the message.
	MessageStatusUndelivered MessageStatus = "undelivered"
)

// DeliveryActionFor maps a gateway status onto the delivery log action it produces.
// The second return value is false for statuses that do not affect the reminder lifecycle.
func DeliveryActionFor(status MessageStatus) (DeliveryAction, bool) {
	switch MessageStatus(strings.ToLower(strings.TrimSpace(string(status)))) {
	case MessageStatusSent, MessageStatusQueued:
		return DeliveryActionSent, true
	case MessageStatusDelivered, MessageStatusRead:
		return DeliveryActionDelivered, true
	case MessageStatusFailed, MessageStatusUndelivered:
		return DeliveryActionFailed, true
	default:
		return "", false
	}
}

// InboundMessage is the provider-independent form of a patient reply.
type InboundMessage struct {
	ProviderID string    `json:"provider_id,omitempty"` // gateway-assigned id, may be empty
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	Raw        string    `json:"-"`
}

// StatusUpdate is the provider-independent form of a delivery status callback.
type StatusUpdate struct {
	ProviderID string        `json:"provider_id"`
	Status     MessageStatus `json:"status"`
	Raw        string        `json:"-"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in queued work.
	APIStatusScheduled APIStatus = "scheduled"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// ScheduledWithMessage creates a scheduled API response with a message.
func ScheduledWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Recorded creates a recorded API response with optional result data.
func Recorded(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		WithResult(result).
		Build()
}
