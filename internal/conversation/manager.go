// Package conversation keeps the short-lived per-patient context that tells the orchestrator
// what a patient's next reply is expected to answer.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// Default context lifetimes per kind.
const (
	DefaultVerificationTTL = 48 * time.Hour
	DefaultReminderTTL     = 12 * time.Hour
	DefaultGeneralTTL      = time.Hour
)

// Repository persists conversation contexts.
type Repository interface {
	// ReplaceContext soft-deletes every live context for c.PatientID at now and inserts c, atomically.
	ReplaceContext(ctx context.Context, c *models.ConversationContext, now time.Time) error
	// GetLatestContext returns the newest context row that is not soft-deleted, or nil.
	GetLatestContext(ctx context.Context, patientID string) (*models.ConversationContext, error)
	IncrementContextAttempt(ctx context.Context, contextID string) (int, error)
	SoftDeleteContexts(ctx context.Context, patientID string, now time.Time) error
	// DeleteContextsBefore hard-deletes rows that expired or were soft-deleted before cutoff.
	DeleteContextsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Opts holds Manager configuration.
type Opts struct {
	TTLs map[models.ContextKind]time.Duration
	Now  func() time.Time
}

// Option configures a Manager.
type Option func(*Opts)

// WithTTL sets the default lifetime for contexts of kind.
func WithTTL(kind models.ContextKind, ttl time.Duration) Option {
	return func(o *Opts) {
		if ttl > 0 {
			o.TTLs[kind] = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Manager implements the per-patient context state machine. Expiry is evaluated lazily on load.
type Manager struct {
	repo Repository
	ttls map[models.ContextKind]time.Duration
	now  func() time.Time
}

// NewManager creates a Manager backed by repo.
func NewManager(repo Repository, opts ...Option) *Manager {
	o := Opts{
		TTLs: map[models.ContextKind]time.Duration{
			models.ContextVerification:         DefaultVerificationTTL,
			models.ContextReminderConfirmation: DefaultReminderTTL,
			models.ContextGeneralInquiry:       DefaultGeneralTTL,
		},
		Now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{repo: repo, ttls: o.TTLs, now: o.Now}
}

// SetContext retires any active context for the patient and starts a new one.
// A zero ttl uses the kind's default.
func (m *Manager) SetContext(ctx context.Context, patientID string, kind models.ContextKind, shape models.ResponseShape, relatedEntityID string, ttl time.Duration) (*models.ConversationContext, error) {
	if patientID == "" {
		return nil, models.NewValidationError("patient_id", "is required")
	}
	if !models.IsValidContextKind(kind) {
		return nil, models.NewValidationError("kind", fmt.Sprintf("unknown context kind %q", kind))
	}
	if shape == "" {
		shape = models.ShapeFreeText
	}
	if ttl <= 0 {
		ttl = m.ttls[kind]
	}

	now := m.now()
	c := &models.ConversationContext{
		ID:              util.NewID(util.PrefixContext),
		PatientID:       patientID,
		Kind:            kind,
		ExpectedShape:   shape,
		RelatedEntityID: relatedEntityID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := m.repo.ReplaceContext(ctx, c, now); err != nil {
		return nil, fmt.Errorf("failed to set context for patient %s: %w", patientID, err)
	}
	slog.Debug("Manager.SetContext: context set", "patientID", patientID, "kind", kind, "contextID", c.ID, "expiresAt", c.ExpiresAt)
	return c, nil
}

// LoadActiveContext returns the patient's active context, or nil when there is none or it expired.
func (m *Manager) LoadActiveContext(ctx context.Context, patientID string) (*models.ConversationContext, error) {
	c, err := m.repo.GetLatestContext(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load context for patient %s: %w", patientID, err)
	}
	if c == nil || !c.ActiveAt(m.now()) {
		return nil, nil
	}
	return c, nil
}

// IncrementAttempt records one more unmatched reply and returns the new attempt count.
func (m *Manager) IncrementAttempt(ctx context.Context, contextID string) (int, error) {
	n, err := m.repo.IncrementContextAttempt(ctx, contextID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for context %s: %w", contextID, err)
	}
	return n, nil
}

// ClearContext retires the patient's active context.
func (m *Manager) ClearContext(ctx context.Context, patientID string) error {
	if err := m.repo.SoftDeleteContexts(ctx, patientID, m.now()); err != nil {
		return fmt.Errorf("failed to clear context for patient %s: %w", patientID, err)
	}
	return nil
}

// Cleanup hard-deletes contexts that expired or were retired more than olderThan ago.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := m.repo.DeleteContextsBefore(ctx, m.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up contexts: %w", err)
	}
	if n > 0 {
		slog.Info("Manager.Cleanup: removed stale contexts", "count", n)
	}
	return n, nil
}
