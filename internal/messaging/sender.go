package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// OutboxKindText is the outbox kind for plain text messages drained by OutboxSendFunc.
const OutboxKindText = "text"

// SendResult is the outcome of Sender.Send.
type SendResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Attempts          int    `json:"attempts"`
	Err               error  `json:"-"`
}

// SenderOpts holds Sender configuration.
type SenderOpts struct {
	Retry   RetryPolicy
	Breaker *CircuitBreaker
	Limiter *rate.Limiter
}

// SenderOption configures a Sender.
type SenderOption func(*SenderOpts)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) SenderOption {
	return func(o *SenderOpts) {
		o.Retry = p
	}
}

// WithBreaker shares an existing breaker. Every Sender over the same transport should use one breaker.
func WithBreaker(b *CircuitBreaker) SenderOption {
	return func(o *SenderOpts) {
		o.Breaker = b
	}
}

// WithRateLimit caps outbound sends at perSec with the given burst. perSec <= 0 disables the limit.
func WithRateLimit(perSec float64, burst int) SenderOption {
	return func(o *SenderOpts) {
		if perSec <= 0 {
			o.Limiter = nil
			return
		}
		o.Limiter = rate.NewLimiter(rate.Limit(perSec), max(burst, 1))
	}
}

// Sender sends texts through a Transport with retry, circuit breaking and rate limiting.
type Sender struct {
	transport Transport
	retry     RetryPolicy
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
}

// NewSender creates a Sender over transport.
func NewSender(transport Transport, opts ...SenderOption) *Sender {
	o := SenderOpts{Retry: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Breaker == nil {
		o.Breaker = NewCircuitBreaker(transport.Name())
	}
	return &Sender{transport: transport, retry: o.Retry, breaker: o.Breaker, limiter: o.Limiter}
}

// Breaker returns the sender's circuit breaker.
func (s *Sender) Breaker() *CircuitBreaker {
	return s.breaker
}

// TransportName returns the name of the underlying transport.
func (s *Sender) TransportName() string {
	return s.transport.Name()
}

// Send delivers body to the phone number to. The returned error equals SendResult.Err.
func (s *Sender) Send(ctx context.Context, to, body string) (SendResult, error) {
	phone, err := util.CanonicalPhone(to)
	if err != nil {
		verr := models.NewValidationError("to", err.Error())
		return SendResult{Err: verr}, verr
	}
	if body == "" {
		verr := models.NewValidationError("body", "is required")
		return SendResult{Err: verr}, verr
	}
	if len(body) > models.MaxMessageBodyLength {
		verr := models.NewValidationError("body", fmt.Sprintf("exceeds %d characters", models.MaxMessageBodyLength))
		return SendResult{Err: verr}, verr
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("rate limiter: %w", err)
			return SendResult{Err: err}, err
		}
	}

	var providerID string
	caller := ctx
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.breaker.Allow(); err != nil {
			return err
		}
		id, err := s.transport.Send(ctx, phone, body)
		if err != nil && caller.Err() != nil {
			// A cancelled caller says nothing about the gateway's health.
			s.breaker.Abandon()
		} else {
			s.breaker.Record(err)
		}
		if err != nil {
			return err
		}
		providerID = id
		return nil
	})
	if err != nil {
		slog.Warn("Sender.Send: send failed", "transport", s.transport.Name(), "to", phone, "attempts", attempts, "error", err)
		return SendResult{Attempts: attempts, Err: err}, err
	}

	slog.Debug("Sender.Send: sent", "transport", s.transport.Name(), "to", phone, "attempts", attempts, "providerMessageID", providerID)
	return SendResult{Success: true, ProviderMessageID: providerID, Attempts: attempts}, nil
}

type textPayload struct {
	Body string `json:"body"`
}

// TextPayload encodes body as an outbox payload for OutboxKindText.
func TextPayload(body string) string {
	b, _ := json.Marshal(textPayload{Body: body})
	return string(b)
}

// OutboxSendFunc adapts the Sender to store.OutboxSender so queued texts drain through
// the same retry and breaker path.
func (s *Sender) OutboxSendFunc() store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != OutboxKindText {
			return fmt.Errorf("unsupported outbox kind %q", msg.Kind)
		}
		var p textPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("failed to decode outbox payload: %w", err)
		}
		_, err := s.Send(ctx, msg.Recipient, p.Body)
		return err
	}
}
