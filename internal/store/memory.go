package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// MemoryStore is an in-process Store. It is safe for concurrent use but keeps nothing across restarts.
type MemoryStore struct {
	mu            sync.Mutex
	patients      map[string]models.Patient
	reminders     map[string]models.Reminder
	logs          []models.DeliveryLog
	confirmations []models.ManualConfirmation
	contexts      map[string]models.ConversationContext
	inbound       map[string]DedupRecord
	jobs          map[string]Job
	outbox        map[string]OutboxMessage
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:  make(map[string]models.Patient),
		reminders: make(map[string]models.Reminder),
		contexts:  make(map[string]models.ConversationContext),
		inbound:   make(map[string]DedupRecord),
		jobs:      make(map[string]Job),
		outbox:    make(map[string]OutboxMessage),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- Patients ---

func (s *MemoryStore) UpsertPatient(_ context.Context, p *models.Patient) error {
	phone, err := util.CanonicalPhone(p.PhoneNumber)
	if err != nil {
		return models.NewValidationError("phone_number", err.Error())
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p.PhoneNumber = phone
	now := time.Now()
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
	for id, other := range s.patients {
		if id != p.ID && other.PhoneNumber == phone {
			return fmt.Errorf("upsert patient %s failed: phone %s already registered", p.ID, phone)
		}
	}
	s.patients[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, models.ErrPatientNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetPatientByPhone(_ context.Context, phone string) (*models.Patient, error) {
	canonical, err := util.CanonicalPhone(phone)
	if err != nil {
		return nil, fmt.Errorf("phone %q: %w", phone, models.ErrPatientNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.PhoneNumber == canonical && p.DeletedAt == nil {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("phone %s: %w", canonical, models.ErrPatientNotFound)
}

func (s *MemoryStore) UpdateVerificationStatus(_ context.Context, patientID string, status models.VerificationStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[patientID]
	if !ok || p.DeletedAt != nil {
		return fmt.Errorf("patient %s: %w", patientID, models.ErrPatientNotFound)
	}
	p.VerificationStatus = status
	if status == models.VerificationVerified {
		v := at
		p.VerifiedAt = &v
	}
	p.UpdatedAt = at
	s.patients[patientID] = p
	return nil
}

// --- Reminders ---

func (s *MemoryStore) CreateReminder(_ context.Context, r *models.Reminder) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[r.PatientID]; !ok {
		return fmt.Errorf("create reminder failed: patient %s: %w", r.PatientID, models.ErrPatientNotFound)
	}
	now := time.Now()
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
	s.reminders[r.ID] = *r
	return nil
}

func (s *MemoryStore) GetReminder(_ context.Context, id string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %s: %w", id, models.ErrReminderNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetReminderByGatewayID(_ context.Context, gatewayMessageID string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reminders {
		if r.GatewayMessageID == gatewayMessageID {
			return &r, nil
		}
	}
	for _, l := range s.logs {
		if l.GatewayMessageID == gatewayMessageID {
			if r, ok := s.reminders[l.ReminderID]; ok {
				return &r, nil
			}
		}
	}
	return nil, fmt.Errorf("gateway message %s: %w", gatewayMessageID, models.ErrReminderNotFound)
}

func (s *MemoryStore) ListRemindersAt(_ context.Context, hhmm string, day time.Time) ([]models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Reminder
	for _, r := range s.reminders {
		if r.ScheduledTime == hhmm && r.DeletedAt == nil && r.ActiveOn(day) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SoftDeleteReminder(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok || r.DeletedAt != nil {
		return fmt.Errorf("reminder %s: %w", id, models.ErrReminderNotFound)
	}
	r.DeletedAt = &at
	r.UpdatedAt = at
	s.reminders[id] = r
	return nil
}

func (s *MemoryStore) ListDeliveryLogs(_ context.Context, reminderID string) ([]models.DeliveryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryLog
	for _, l := range s.logs {
		if l.ReminderID == reminderID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListConfirmations(_ context.Context, patientID, reminderID string) ([]models.ManualConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ManualConfirmation
	for _, c := range s.confirmations {
		if (reminderID != "" && c.ReminderID == reminderID) || (c.PatientID == patientID && c.ReminderID == "") {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConfirmedAt.Equal(out[j].ConfirmedAt) {
			return out[i].ConfirmedAt.After(out[j].ConfirmedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) latestLogLocked(reminderID string) *models.DeliveryLog {
	var latest *models.DeliveryLog
	for i := range s.logs {
		l := &s.logs[i]
		if l.ReminderID != reminderID {
			continue
		}
		if latest == nil || l.CreatedAt.After(latest.CreatedAt) || (l.CreatedAt.Equal(latest.CreatedAt) && l.ID > latest.ID) {
			latest = l
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

func (s *MemoryStore) AppendDeliveryLog(_ context.Context, entry *models.DeliveryLog, mutate func(r *models.Reminder)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[entry.ReminderID]
	if !ok {
		return false, fmt.Errorf("reminder %s: %w", entry.ReminderID, models.ErrReminderNotFound)
	}
	if entry.GatewayMessageID != "" {
		for _, l := range s.logs {
			if l.ReminderID == entry.ReminderID && l.GatewayMessageID == entry.GatewayMessageID && l.Action == entry.Action {
				return true, nil
			}
		}
	}
	if mutate != nil {
		mutate(&r)
	}
	if entry.PatientID == "" {
		entry.PatientID = r.PatientID
	}
	s.reminders[r.ID] = r
	s.logs = append(s.logs, *entry)
	return false, nil
}

func (s *MemoryStore) AppendConfirmation(_ context.Context, c *models.ManualConfirmation, mutate func(r *models.Reminder, latest *models.DeliveryLog) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ReminderID != "" {
		r, ok := s.reminders[c.ReminderID]
		if !ok {
			return fmt.Errorf("reminder %s: %w", c.ReminderID, models.ErrReminderNotFound)
		}
		if mutate != nil {
			if err := mutate(&r, s.latestLogLocked(r.ID)); err != nil {
				return err
			}
			s.reminders[r.ID] = r
		}
	}
	s.confirmations = append(s.confirmations, *c)
	return nil
}

// --- Conversation contexts ---

func (s *MemoryStore) ReplaceContext(_ context.Context, c *models.ConversationContext, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.contexts {
		if existing.PatientID == c.PatientID && existing.DeletedAt == nil {
			deletedAt := now
			existing.DeletedAt = &deletedAt
			s.contexts[id] = existing
		}
	}
	s.contexts[c.ID] = *c
	return nil
}

func (s *MemoryStore) GetLatestContext(_ context.Context, patientID string) (*models.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.ConversationContext
	for _, c := range s.contexts {
		if c.PatientID != patientID || c.DeletedAt != nil {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) || (c.CreatedAt.Equal(latest.CreatedAt) && c.ID > latest.ID) {
			cp := c
			latest = &cp
		}
	}
	return latest, nil
}

func (s *MemoryStore) IncrementContextAttempt(_ context.Context, contextID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contexts[contextID]
	if !ok {
		return 0, fmt.Errorf("context %s: %w", contextID, models.ErrContextNotFound)
	}
	c.Attempts++
	s.contexts[contextID] = c
	return c.Attempts, nil
}

func (s *MemoryStore) SoftDeleteContexts(_ context.Context, patientID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.contexts {
		if c.PatientID == patientID && c.DeletedAt == nil {
			deletedAt := now
			c.DeletedAt = &deletedAt
			s.contexts[id] = c
		}
	}
	return nil
}

func (s *MemoryStore) DeleteContextsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.contexts {
		if c.ExpiresAt.Before(cutoff) || (c.DeletedAt != nil && c.DeletedAt.Before(cutoff)) {
			delete(s.contexts, id)
			n++
		}
	}
	return n, nil
}

// --- Inbound dedup ---

func (s *MemoryStore) IsDuplicate(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *MemoryStore) RecordInbound(_ context.Context, messageID, participantID string, receivedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: receivedAt}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *MemoryStore) PurgeInboundBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

// --- Jobs ---

func (s *MemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning || j.Status == JobStatusDone) {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID: util.NewID("job_"), Kind: kind, RunAt: runAt, PayloadJSON: payloadJSON, Status: JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *MemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) setJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	fn(&j)
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *MemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *MemoryStore) CancelJob(_ context.Context, id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *MemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

// ListJobs returns every job of kind, oldest first.
func (s *MemoryStore) ListJobs(kind string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if kind == "" || j.Kind == kind {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// --- Outbox ---

func (s *MemoryStore) EnqueueOutboxMessage(_ context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && (m.Status == OutboxStatusQueued || m.Status == OutboxStatusSending) {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := OutboxMessage{
		ID: util.NewID("outbox_"), Recipient: recipient, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *MemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &lockedAt
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *MemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	s.outbox[id] = m
	return nil
}

func (s *MemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.Status = OutboxStatusQueued
	if m.Attempts >= DefaultOutboxMaxAttempts {
		m.Status = OutboxStatusFailed
	}
	s.outbox[id] = m
	return nil
}

func (s *MemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

// ListOutbox returns every outbox message, oldest first.
func (s *MemoryStore) ListOutbox() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, m)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}
