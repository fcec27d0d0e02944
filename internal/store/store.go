// Package store provides storage backends for CarePipe.
//
// SQLite is the default backend; any postgres:// DSN selects PostgreSQL. Both run embedded
// migrations on open. MemoryStore backs tests and single-process experiments.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns DSNTypePostgres for postgres URLs and key/value connection strings,
// and DSNTypeSQLite for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// PatientRepo reads and updates the patient records the engine depends on.
type PatientRepo interface {
	UpsertPatient(ctx context.Context, p *models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
	UpdateVerificationStatus(ctx context.Context, patientID string, status models.VerificationStatus, at time.Time) error
}

// ReminderRepo persists reminders with their delivery logs and confirmations.
type ReminderRepo interface {
	CreateReminder(ctx context.Context, r *models.Reminder) error
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	GetReminderByGatewayID(ctx context.Context, gatewayMessageID string) (*models.Reminder, error)
	// ListRemindersAt returns live reminders scheduled at hhmm whose date range covers day.
	ListRemindersAt(ctx context.Context, hhmm string, day time.Time) ([]models.Reminder, error)
	SoftDeleteReminder(ctx context.Context, id string, at time.Time) error
	ListDeliveryLogs(ctx context.Context, reminderID string) ([]models.DeliveryLog, error)
	ListConfirmations(ctx context.Context, patientID, reminderID string) ([]models.ManualConfirmation, error)
	AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLog, mutate func(r *models.Reminder)) (bool, error)
	AppendConfirmation(ctx context.Context, c *models.ManualConfirmation, mutate func(r *models.Reminder, latest *models.DeliveryLog) error) error
}

// ContextRepo persists conversation contexts.
type ContextRepo interface {
	ReplaceContext(ctx context.Context, c *models.ConversationContext, now time.Time) error
	GetLatestContext(ctx context.Context, patientID string) (*models.ConversationContext, error)
	IncrementContextAttempt(ctx context.Context, contextID string) (int, error)
	SoftDeleteContexts(ctx context.Context, patientID string, now time.Time) error
	DeleteContextsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	PatientRepo
	ReminderRepo
	ContextRepo
	DedupRepo
	JobRepo
	OutboxRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

// Open creates the backend selected by the DSN.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case DSNTypePostgres:
		slog.Debug("store.Open: using Postgres store")
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		slog.Debug("store.Open: using SQLite store", "path", dsn)
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
