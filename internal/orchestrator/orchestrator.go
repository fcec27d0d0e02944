// Package orchestrator runs one inbound patient reply through idempotency, patient and
// context resolution, classification, state changes and the reply.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/conversation"
	"github.com/BTreeMap/CarePipe/internal/intent"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/notify"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// State is the stage a message reached.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateValidated       State = "VALIDATED"
	StateContextResolved State = "CONTEXT_RESOLVED"
	StateClassified      State = "CLASSIFIED"
	StateApplied         State = "APPLIED"
	StateClarified       State = "CLARIFIED"
	StateEscalated       State = "ESCALATED"
	StateAcknowledged    State = "ACKNOWLEDGED"
	StateDuplicate       State = "DUPLICATE"
	StateDropped         State = "DROPPED"
	StateFailed          State = "FAILED"
)

// DedupWindow is the timestamp bucket used for idempotency keys of messages without a provider id.
const DedupWindow = 5 * time.Minute

// Result is the logged outcome of Handle.
type Result struct {
	State          State         `json:"state"`
	Intent         intent.Intent `json:"intent,omitempty"`
	Confidence     float64       `json:"confidence"`
	PatientID      string        `json:"patient_id,omitempty"`
	ContextID      string        `json:"context_id,omitempty"`
	Attempts       int           `json:"attempts"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ReplyQueued    bool          `json:"reply_queued,omitempty"`
	Err            error         `json:"-"`
}

// Store is the persistence the Handler needs beyond contexts and reminders.
type Store interface {
	RecordInbound(ctx context.Context, messageID, participantID string, receivedAt time.Time) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	UpdateVerificationStatus(ctx context.Context, patientID string, status models.VerificationStatus, at time.Time) error
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error)
}

// Sender sends a reply. *messaging.Sender implements it.
type Sender interface {
	Send(ctx context.Context, to, body string) (messaging.SendResult, error)
}

// Opts holds optional Handler configuration.
type Opts struct {
	Locker   Locker
	Messages Messages
	Now      func() time.Time
}

// Option configures a Handler.
type Option func(*Opts)

// WithLocker replaces the in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithMessages replaces DefaultMessages.
func WithMessages(m Messages) Option {
	return func(o *Opts) {
		o.Messages = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Handler is the response orchestrator. It is safe for concurrent use; messages from the
// same patient are serialized through the Locker.
type Handler struct {
	store    Store
	contexts *conversation.Manager
	tracker  *reminder.Tracker
	sender   Sender
	notifier notify.Notifier
	locker   Locker
	messages Messages
	now      func() time.Time
}

// NewHandler wires a Handler.
func NewHandler(st Store, contexts *conversation.Manager, tracker *reminder.Tracker, sender Sender, notifier notify.Notifier, opts ...Option) *Handler {
	o := Opts{Messages: DefaultMessages(), Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Locker == nil {
		o.Locker = NewKeyedMutex()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Handler{
		store:    st,
		contexts: contexts,
		tracker:  tracker,
		sender:   sender,
		notifier: notifier,
		locker:   o.Locker,
		messages: o.Messages,
		now:      o.Now,
	}
}

// IdempotencyKey returns the provider id when present, else a hash of sender, normalized
// text and the DedupWindow bucket of receivedAt.
func IdempotencyKey(msg models.InboundMessage, receivedAt time.Time) string {
	if id := strings.TrimSpace(msg.ProviderID); id != "" {
		return id
	}
	sender, err := util.CanonicalPhone(msg.Sender)
	if err != nil {
		sender = strings.TrimSpace(msg.Sender)
	}
	bucket := receivedAt.Unix() / int64(DedupWindow/time.Second)
	sum := sha256.Sum256([]byte(sender + "|" + intent.Normalize(msg.Text) + "|" + strconv.FormatInt(bucket, 10)))
	return "h:" + hex.EncodeToString(sum[:])
}

// Handle processes one inbound message. It never panics and never returns an error: failures
// are reported in Result.Err and logged.
func (h *Handler) Handle(ctx context.Context, msg models.InboundMessage) (res Result) {
	res.State = StateReceived
	defer func() {
		if r := recover(); r != nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("panic while handling message: %v", r)
			slog.Error("Handler.Handle: recovered panic", "sender", msg.Sender, "panic", r)
		}
	}()

	if err := h.handle(ctx, msg, &res); err != nil {
		res.Err = err
	}
	h.logResult(msg, res)
	return res
}

func (h *Handler) logResult(msg models.InboundMessage, res Result) {
	attrs := []any{
		"state", res.State, "patientID", res.PatientID, "contextID", res.ContextID,
		"intent", res.Intent, "confidence", res.Confidence, "attempts", res.Attempts, "key", res.IdempotencyKey,
	}
	var (
		verr    *models.ValidationError
		unknown *models.UnknownSenderError
	)
	switch {
	case res.Err == nil:
		slog.Info("Handler.Handle: message handled", attrs...)
	case errors.Is(res.Err, models.ErrDuplicateMessage), errors.As(res.Err, &verr), errors.As(res.Err, &unknown):
		slog.Warn("Handler.Handle: message dropped", append(attrs, "sender", msg.Sender, "error", res.Err)...)
	default:
		slog.Error("Handler.Handle: message failed", append(attrs, "sender", msg.Sender, "error", res.Err)...)
	}
}

func (h *Handler) handle(ctx context.Context, msg models.InboundMessage, res *Result) error {
	// RECEIVED -> VALIDATED
	text := strings.TrimSpace(msg.Text)
	if strings.TrimSpace(msg.Sender) == "" {
		res.State = StateDropped
		return models.NewValidationError("sender", "is required")
	}
	if text == "" {
		res.State = StateDropped
		return models.NewValidationError("text", "is required")
	}
	phone, err := util.CanonicalPhone(msg.Sender)
	if err != nil {
		res.State = StateDropped
		return models.NewValidationError("sender", err.Error())
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = h.now()
	}
	key := IdempotencyKey(msg, receivedAt)
	res.IdempotencyKey = key
	fresh, err := h.store.RecordInbound(ctx, key, phone, receivedAt)
	if err != nil {
		res.State = StateFailed
		return fmt.Errorf("failed to record inbound message: %w", err)
	}
	if !fresh {
		res.State = StateDuplicate
		return &models.DuplicateMessageError{Key: key}
	}
	res.State = StateValidated

	patient, err := h.store.GetPatientByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, models.ErrPatientNotFound) {
			res.State = StateDropped
			return &models.UnknownSenderError{Phone: phone}
		}
		res.State = StateFailed
		return fmt.Errorf("failed to resolve sender: %w", err)
	}
	res.PatientID = patient.ID

	unlock, err := h.locker.Lock(ctx, "patient:"+patient.ID)
	if err != nil {
		res.State = StateFailed
		return fmt.Errorf("failed to lock patient %s: %w", patient.ID, err)
	}
	defer unlock()

	active, err := h.contexts.LoadActiveContext(ctx, patient.ID)
	if err != nil {
		res.State = StateFailed
		return err
	}
	res.State = StateContextResolved

	if err := h.route(ctx, patient, active, text, res); err != nil {
		return err
	}

	if err := h.store.MarkProcessed(ctx, key); err != nil {
		slog.Warn("Handler.handle: failed to mark message processed", "key", key, "error", err)
	}
	return nil
}

// route classifies text and applies the outcome. Called with the patient lock held.
func (h *Handler) route(ctx context.Context, patient *models.Patient, active *models.ConversationContext, text string, res *Result) error {
	shape := models.ShapeFreeText
	var kind models.ContextKind
	if active != nil {
		shape, kind = active.ExpectedShape, active.Kind
		res.ContextID = active.ID
		res.Attempts = active.Attempts
	}

	cls := intent.Classify(text, shape)
	res.Intent, res.Confidence = cls.Intent, cls.Confidence
	res.State = StateClassified
	slog.Debug("Handler.route: classified", "patientID", patient.ID, "contextKind", kind, "intent", cls.Intent, "confidence", cls.Confidence, "scores", cls.Scores)

	if cls.Intent == intent.Emergency {
		res.State = StateEscalated
		notifyErr := h.escalate(ctx, patient, text, cls, kind, models.PriorityUrgent)
		h.reply(ctx, patient.PhoneNumber, h.messages.Emergency, res)
		return notifyErr
	}

	if active == nil {
		return h.generalInquiry(ctx, patient, text, cls, res)
	}

	switch kind {
	case models.ContextVerification:
		if status, ack, ok := h.verificationOutcome(cls.Intent); ok {
			if err := h.store.UpdateVerificationStatus(ctx, patient.ID, status, h.now()); err != nil {
				res.State = StateFailed
				return fmt.Errorf("failed to update verification status: %w", err)
			}
			slog.Info("Handler.route: verification status updated", "patientID", patient.ID, "status", status)
			return h.complete(ctx, patient, ack, res)
		}
	case models.ContextReminderConfirmation:
		if taken, ok := confirmationOutcome(cls.Intent); ok {
			notes := truncateNotes(text, models.MaxNotesLength)
			if _, err := h.tracker.RecordConfirmation(ctx, patient.ID, active.RelatedEntityID, taken, notes, models.ConfirmationSourcePatientReply); err != nil {
				res.State = StateFailed
				return err
			}
			ack := h.messages.Missed
			if taken {
				ack = h.messages.Taken
			}
			return h.complete(ctx, patient, ack, res)
		}
	}

	// Any other outcome clarifies, including every reply inside a general_inquiry context.
	return h.clarify(ctx, patient, active, cls.Intent, res)
}

func (h *Handler) verificationOutcome(in intent.Intent) (models.VerificationStatus, string, bool) {
	switch in {
	case intent.Accept:
		return models.VerificationVerified, h.messages.Verified, true
	case intent.Decline:
		return models.VerificationDeclined, h.messages.Declined, true
	case intent.Unsubscribe:
		return models.VerificationUnsubscribed, h.messages.Unsubscribed, true
	default:
		return "", "", false
	}
}

// truncateNotes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateNotes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// confirmationOutcome maps a reply to taken/missed inside a reminder confirmation context.
func confirmationOutcome(in intent.Intent) (taken bool, ok bool) {
	switch in {
	case intent.ConfirmTaken, intent.Accept:
		return true, true
	case intent.ConfirmMissed, intent.Decline:
		return false, true
	default:
		return false, false
	}
}

// complete clears the context and acknowledges. The state change is already committed.
func (h *Handler) complete(ctx context.Context, patient *models.Patient, ack string, res *Result) error {
	res.State = StateApplied
	if err := h.contexts.ClearContext(ctx, patient.ID); err != nil {
		return err
	}
	h.reply(ctx, patient.PhoneNumber, ack, res)
	return nil
}

func (h *Handler) clarify(ctx context.Context, patient *models.Patient, active *models.ConversationContext, in intent.Intent, res *Result) error {
	n, err := h.contexts.IncrementAttempt(ctx, active.ID)
	if err != nil {
		res.State = StateFailed
		return err
	}
	res.Attempts = n
	res.State = StateClarified

	body := h.messages.Clarification(active.Kind, n)
	if in == intent.ConfirmLater && active.Kind == models.ContextReminderConfirmation {
		body = h.messages.Later
	}
	h.reply(ctx, patient.PhoneNumber, body, res)
	return nil
}

func (h *Handler) generalInquiry(ctx context.Context, patient *models.Patient, text string, cls intent.Result, res *Result) error {
	res.State = StateAcknowledged
	var notifyErr error
	if intent.RequiresHumanIntervention(cls) {
		res.State = StateEscalated
		notifyErr = h.escalate(ctx, patient, text, cls, "", models.PriorityNormal)
	}
	h.reply(ctx, patient.PhoneNumber, h.messages.Default, res)
	return notifyErr
}

func (h *Handler) escalate(ctx context.Context, patient *models.Patient, text string, cls intent.Result, kind models.ContextKind, priority models.EscalationPriority) error {
	e := models.Escalation{
		ID:          uuid.NewString(),
		PatientID:   patient.ID,
		PatientName: patient.Name,
		Phone:       patient.PhoneNumber,
		Text:        text,
		Intent:      string(cls.Intent),
		Confidence:  cls.Confidence,
		Priority:    priority,
		ContextKind: kind,
		OccurredAt:  h.now(),
	}
	if err := h.notifier.Notify(ctx, e); err != nil {
		return fmt.Errorf("failed to notify operator of escalation %s: %w", e.ID, err)
	}
	return nil
}

// reply sends body and falls back to the outbox when the send fails.
func (h *Handler) reply(ctx context.Context, phone, body string, res *Result) {
	_, err := h.sender.Send(ctx, phone, body)
	if err == nil {
		return
	}
	slog.Warn("Handler.reply: send failed, queueing in outbox", "phone", phone, "error", err)
	dedupe := "reply:" + res.IdempotencyKey
	if _, err := h.store.EnqueueOutboxMessage(ctx, phone, messaging.OutboxKindText, messaging.TextPayload(body), dedupe); err != nil {
		slog.Error("Handler.reply: failed to queue reply", "phone", phone, "error", err)
		return
	}
	res.ReplyQueued = true
}
