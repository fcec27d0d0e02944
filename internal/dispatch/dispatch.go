// Package dispatch sends due reminders and verification questions, and runs them as durable jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/conversation"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/reminder"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Job kinds handled by the Dispatcher.
const (
	JobKindSendReminder     = "send_reminder"
	JobKindSendVerification = "send_verification"
)

// Default texts.
const (
	DefaultReminderPrompt   = "Balas SUDAH jika obat sudah diminum, atau BELUM jika belum."
	DefaultVerificationText = "Halo %s, kami relawan pendamping paliatif. Apakah Anda bersedia menerima pengingat obat melalui WhatsApp ini? Balas YA atau TIDAK."
)

// ReminderPayload is the payload of a send_reminder job.
type ReminderPayload struct {
	ReminderID string `json:"reminder_id"`
}

// VerificationPayload is the payload of a send_verification job.
type VerificationPayload struct {
	PatientID string `json:"patient_id"`
}

// Store is the persistence the Dispatcher reads and enqueues into.
type Store interface {
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)
}

// Sender sends one text. *messaging.Sender implements it.
type Sender interface {
	Send(ctx context.Context, to, body string) (messaging.SendResult, error)
}

// Opts holds optional Dispatcher configuration.
type Opts struct {
	Now              func() time.Time
	Location         *time.Location
	ReminderPrompt   string
	VerificationText string
	ReminderTTL      time.Duration
	VerificationTTL  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLocation sets the time zone used to decide whether a reminder is active today.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) {
		if loc != nil {
			o.Location = loc
		}
	}
}

// WithReminderPrompt sets the question appended to every reminder.
func WithReminderPrompt(prompt string) Option {
	return func(o *Opts) { o.ReminderPrompt = prompt }
}

// WithVerificationText sets the verification question. A %s verb receives the patient name.
func WithVerificationText(text string) Option {
	return func(o *Opts) { o.VerificationText = text }
}

// WithContextTTLs overrides the context lifetimes. Zero keeps the conversation defaults.
func WithContextTTLs(reminderTTL, verificationTTL time.Duration) Option {
	return func(o *Opts) {
		o.ReminderTTL = reminderTTL
		o.VerificationTTL = verificationTTL
	}
}

// Dispatcher sends outbound reminders and opens the conversation context for the reply.
type Dispatcher struct {
	store    Store
	tracker  *reminder.Tracker
	contexts *conversation.Manager
	sender   Sender
	opts     Opts
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(st Store, tracker *reminder.Tracker, contexts *conversation.Manager, sender Sender, opts ...Option) *Dispatcher {
	o := Opts{
		Now:              time.Now,
		Location:         time.Local,
		ReminderPrompt:   DefaultReminderPrompt,
		VerificationText: DefaultVerificationText,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher{store: st, tracker: tracker, contexts: contexts, sender: sender, opts: o}
}

// SendReminder sends reminderID to its patient. Deleted or out-of-range reminders and patients
// who cannot receive reminders are skipped without error. A transient failure is returned so the
// job retries; it is logged as FAILED only on the job's final attempt. A permanent failure is
// logged as FAILED and not retried.
func (d *Dispatcher) SendReminder(ctx context.Context, reminderID string) error {
	r, err := d.store.GetReminder(ctx, reminderID)
	if err != nil {
		if errors.Is(err, models.ErrReminderNotFound) {
			slog.Warn("Dispatcher.SendReminder: reminder not found, skipping", "reminderID", reminderID)
			return nil
		}
		return fmt.Errorf("failed to load reminder %s: %w", reminderID, err)
	}
	if r.IsDeleted() {
		slog.Info("Dispatcher.SendReminder: reminder deleted, skipping", "reminderID", reminderID)
		return nil
	}
	now := d.opts.Now()
	if !r.ActiveOn(now.In(d.opts.Location)) {
		slog.Info("Dispatcher.SendReminder: reminder outside its date range, skipping", "reminderID", reminderID)
		return nil
	}

	p, err := d.store.GetPatient(ctx, r.PatientID)
	if err != nil {
		if errors.Is(err, models.ErrPatientNotFound) {
			slog.Warn("Dispatcher.SendReminder: patient not found, skipping", "reminderID", reminderID, "patientID", r.PatientID)
			return nil
		}
		return fmt.Errorf("failed to load patient %s: %w", r.PatientID, err)
	}
	if !p.CanReceiveReminders() {
		slog.Info("Dispatcher.SendReminder: patient cannot receive reminders, skipping", "reminderID", reminderID, "patientID", p.ID, "verificationStatus", p.VerificationStatus)
		return nil
	}

	body := r.Message
	if d.opts.ReminderPrompt != "" {
		body = strings.TrimSpace(body) + "\n\n" + d.opts.ReminderPrompt
	}

	res, sendErr := d.sender.Send(ctx, p.PhoneNumber, body)
	meta := map[string]string{"attempts": fmt.Sprint(res.Attempts)}
	if sendErr != nil {
		retryable := models.IsTransient(sendErr) || errors.Is(sendErr, models.ErrCircuitOpen)
		if retryable && !store.FinalAttempt(ctx) {
			// FAILED is terminal, so it waits until the job has no retries left.
			slog.Warn("Dispatcher.SendReminder: transient send failure, will retry", "reminderID", r.ID, "attempts", res.Attempts, "error", sendErr)
			return fmt.Errorf("failed to send reminder %s: %w", r.ID, sendErr)
		}
		if _, err := d.tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionFailed, "", sendErr.Error(), meta); err != nil {
			slog.Error("Dispatcher.SendReminder: failed to record failed delivery", "reminderID", r.ID, "error", err)
		}
		if retryable {
			return fmt.Errorf("failed to send reminder %s after final attempt: %w", r.ID, sendErr)
		}
		slog.Error("Dispatcher.SendReminder: permanent send failure, not retrying", "reminderID", r.ID, "error", sendErr)
		return nil
	}

	if _, err := d.tracker.RecordDelivery(ctx, r.ID, models.DeliveryActionSent, res.ProviderMessageID, "", meta); err != nil {
		return fmt.Errorf("failed to record delivery of reminder %s: %w", r.ID, err)
	}
	if _, err := d.contexts.SetContext(ctx, p.ID, models.ContextReminderConfirmation, models.ShapeYesNo, r.ID, d.opts.ReminderTTL); err != nil {
		return fmt.Errorf("failed to open confirmation context for reminder %s: %w", r.ID, err)
	}
	slog.Info("Dispatcher.SendReminder: reminder sent", "reminderID", r.ID, "patientID", p.ID, "providerMessageID", res.ProviderMessageID)
	return nil
}

// SendVerification asks patientID whether they agree to receive reminders.
func (d *Dispatcher) SendVerification(ctx context.Context, patientID string) error {
	p, err := d.store.GetPatient(ctx, patientID)
	if err != nil {
		if errors.Is(err, models.ErrPatientNotFound) {
			slog.Warn("Dispatcher.SendVerification: patient not found, skipping", "patientID", patientID)
			return nil
		}
		return fmt.Errorf("failed to load patient %s: %w", patientID, err)
	}
	if p.DeletedAt != nil {
		return nil
	}

	body := d.opts.VerificationText
	if strings.Contains(body, "%s") {
		body = fmt.Sprintf(body, p.Name)
	}
	if _, err := d.sender.Send(ctx, p.PhoneNumber, body); err != nil {
		if models.IsTransient(err) || errors.Is(err, models.ErrCircuitOpen) {
			return fmt.Errorf("failed to send verification to patient %s: %w", p.ID, err)
		}
		slog.Error("Dispatcher.SendVerification: permanent send failure, not retrying", "patientID", p.ID, "error", err)
		return nil
	}
	if _, err := d.contexts.SetContext(ctx, p.ID, models.ContextVerification, models.ShapeYesNo, "", d.opts.VerificationTTL); err != nil {
		return fmt.Errorf("failed to open verification context for patient %s: %w", p.ID, err)
	}
	slog.Info("Dispatcher.SendVerification: verification sent", "patientID", p.ID)
	return nil
}

// ReminderDedupeKey is the job dedupe key for a reminder's occurrence on day.
func ReminderDedupeKey(reminderID string, day time.Time) string {
	return "reminder:" + reminderID + ":" + day.Format(models.DateLayout)
}

// EnqueueReminder schedules a send_reminder job.
func (d *Dispatcher) EnqueueReminder(ctx context.Context, reminderID string, runAt time.Time, dedupeKey string) (string, error) {
	payload, _ := json.Marshal(ReminderPayload{ReminderID: reminderID})
	id, err := d.store.EnqueueJob(ctx, JobKindSendReminder, runAt, string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue reminder %s: %w", reminderID, err)
	}
	return id, nil
}

// EnqueueVerification schedules a send_verification job to run now.
func (d *Dispatcher) EnqueueVerification(ctx context.Context, patientID, dedupeKey string) (string, error) {
	payload, _ := json.Marshal(VerificationPayload{PatientID: patientID})
	id, err := d.store.EnqueueJob(ctx, JobKindSendVerification, d.opts.Now(), string(payload), dedupeKey)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue verification for patient %s: %w", patientID, err)
	}
	return id, nil
}

// Register installs the job handlers on runner.
func (d *Dispatcher) Register(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindSendReminder, d.handleReminderJob)
	runner.RegisterHandler(JobKindSendVerification, d.handleVerificationJob)
}

func (d *Dispatcher) handleReminderJob(ctx context.Context, payload string) error {
	var p ReminderPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.ReminderID == "" {
		return fmt.Errorf("invalid %s payload %q: %v", JobKindSendReminder, payload, err)
	}
	return d.SendReminder(ctx, p.ReminderID)
}

func (d *Dispatcher) handleVerificationJob(ctx context.Context, payload string) error {
	var p VerificationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.PatientID == "" {
		return fmt.Errorf("invalid %s payload %q: %v", JobKindSendVerification, payload, err)
	}
	return d.SendVerification(ctx, p.PatientID)
}
