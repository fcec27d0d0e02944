// Package api provides the HTTP surface for CarePipe.
//
// It exposes the gateway webhooks (patient replies and delivery status callbacks) and a small
// set of admin endpoints for dispatching reminders, recording volunteer confirmations, queueing
// verification messages and reading derived reminder status.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/orchestrator"
	"github.com/BTreeMap/CarePipe/internal/reminder"
)

// DefaultSignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const DefaultSignatureHeader = "X-Signature"

// maxBodyBytes bounds webhook and admin request bodies.
const maxBodyBytes = 1 << 20

const shutdownTimeout = 10 * time.Second

// Store is the patient and reminder lookup the admin endpoints need.
type Store interface {
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
}

// InboundHandler processes a normalized patient reply. *orchestrator.Handler implements it.
type InboundHandler interface {
	Handle(ctx context.Context, msg models.InboundMessage) orchestrator.Result
}

// Tracker records delivery outcomes and confirmations. *reminder.Tracker implements it.
type Tracker interface {
	RecordDeliveryByGatewayID(ctx context.Context, gatewayMessageID string, outcome models.DeliveryAction, gatewayResponse string, metadata map[string]string) (reminder.DeliveryResult, error)
	RecordConfirmation(ctx context.Context, patientID, reminderID string, taken bool, notes string, source models.ConfirmationSource) (*models.ManualConfirmation, error)
	Status(ctx context.Context, reminderID string) (models.DerivedStatus, error)
}

// Enqueuer queues outbound work. *dispatch.Dispatcher implements it.
type Enqueuer interface {
	EnqueueReminder(ctx context.Context, reminderID string, runAt time.Time, dedupeKey string) (string, error)
	EnqueueVerification(ctx context.Context, patientID, dedupeKey string) (string, error)
}

// Health reports the outbound transport state. *messaging.Sender implements it.
type Health interface {
	TransportName() string
	Breaker() *messaging.CircuitBreaker
}

// Opts holds optional Server configuration.
type Opts struct {
	WebhookSecret   string
	SignatureHeader string
	AllowUnsigned   bool
	Now             func() time.Time
}

// Option configures a Server.
type Option func(*Opts)

// WithWebhookSecret sets the shared secret used to verify webhook signatures.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) {
		o.WebhookSecret = secret
	}
}

// WithSignatureHeader overrides the header that carries the webhook signature.
func WithSignatureHeader(header string) Option {
	return func(o *Opts) {
		if header != "" {
			o.SignatureHeader = header
		}
	}
}

// WithAllowUnsigned accepts webhooks whose signature is missing or invalid.
func WithAllowUnsigned(allow bool) Option {
	return func(o *Opts) {
		o.AllowUnsigned = allow
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		if now != nil {
			o.Now = now
		}
	}
}

// Server holds the collaborators behind the HTTP handlers.
type Server struct {
	st       Store
	inbound  InboundHandler
	tracker  Tracker
	enqueuer Enqueuer
	health   Health
	opts     Opts
}

// NewServer creates a Server. health may be nil.
func NewServer(st Store, inbound InboundHandler, tracker Tracker, enqueuer Enqueuer, health Health, opts ...Option) *Server {
	o := Opts{SignatureHeader: DefaultSignatureHeader, Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.WebhookSecret == "" && !o.AllowUnsigned {
		slog.Warn("NewServer: no webhook secret configured; all webhooks will be rejected")
	}
	return &Server{st: st, inbound: inbound, tracker: tracker, enqueuer: enqueuer, health: health, opts: o}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/inbound", s.inboundWebhookHandler)
	mux.HandleFunc("POST /webhooks/status", s.statusWebhookHandler)
	mux.HandleFunc("POST /reminders/{id}/dispatch", s.dispatchReminderHandler)
	mux.HandleFunc("GET /reminders/{id}/status", s.reminderStatusHandler)
	mux.HandleFunc("POST /confirmations", s.confirmationHandler)
	mux.HandleFunc("POST /patients/{id}/verification", s.verificationHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	return mux
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	<-errCh
	return nil
}

func (s *Server) now() time.Time {
	return s.opts.Now()
}
